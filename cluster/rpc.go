package cluster

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Wire envelope prefixes recognized on peer links (spec.md §6, Management
// envelope tags).
const (
	EnvelopeRPCRequest  = "__rpc_request__"
	EnvelopeRPCResponse = "__rpc_response__"
)

// rpcRequestWire is the JSON body following EnvelopeRPCRequest
// (spec.md §4.7).
type rpcRequestWire struct {
	Operation string                 `json:"operation"`
	PeerName  string                 `json:"peerName"`
	Args      map[string]interface{} `json:"args"`
	ID        string                 `json:"id"`
}

// rpcResponseWire is the JSON body following EnvelopeRPCResponse
// (spec.md §4.7). ExecutionTimeMS is stamped by the receiver, not the
// responder, so it measures observed round trip rather than server-side
// handling time.
type rpcResponseWire struct {
	ID              string      `json:"id"`
	Result          interface{} `json:"result"`
	Success         bool        `json:"success"`
	Error           string      `json:"error,omitempty"`
	ExecutionTimeMS int64       `json:"executionTimeMS,omitempty"`
}

// PeerSender is the narrow surface RPCCoordinator needs to reach peers
// by name, kept separate from the Manager's fuller API the same way
// broker.Router narrows the Broker for exchanges.
type PeerSender interface {
	SendToPeer(peerName, text string) error
	PeerConnected(peerName string) bool
}

// RPCResult is one peer's answer from an RPCClusterRequest fan-out.
type RPCResult struct {
	Success bool
	Result  interface{}
	Error   string
}

// ConnectionCounter reports the current local STOMP connection count,
// backing the getSTOMPCConnections built-in operation.
type ConnectionCounter func() int

type pendingCall struct {
	done   chan rpcResponseWire
	sentAt time.Time
}

// RPCCoordinator implements request/response RPC between cluster nodes
// over existing peer links (spec.md §4.7). There is no direct teacher
// analogue for this correlation pattern; it is grounded on the same
// request/reply shape the pack's NATS-backed services use (subject +
// correlation id + bounded wait), adapted here to raw WebSocket text
// frames with a uuid correlating request and response.
type RPCCoordinator struct {
	self     string
	sender   PeerSender
	counter  ConnectionCounter
	started  time.Time
	appHook  func(operation string, args map[string]interface{}) (result interface{}, ok bool, err error)
	log      zerolog.Logger

	mu      sync.Mutex
	pending map[string]*pendingCall
}

// NewRPCCoordinator builds a coordinator. appHook may be nil, in which
// case any operation outside the built-ins fails with "unknown
// operation".
func NewRPCCoordinator(selfName string, sender PeerSender, counter ConnectionCounter, appHook func(string, map[string]interface{}) (interface{}, bool, error), log zerolog.Logger) *RPCCoordinator {
	return &RPCCoordinator{
		self:    selfName,
		sender:  sender,
		counter: counter,
		started: time.Now(),
		appHook: appHook,
		log:     log.With().Str("component", "rpc").Logger(),
		pending: make(map[string]*pendingCall),
	}
}

// RPCRequest issues operation to peerName and waits up to timeout for a
// reply (spec.md §4.7). When defaultValue is non-nil it is returned
// instead of failing on PeerNotFound or RPCTimeout.
func (c *RPCCoordinator) RPCRequest(peerName, operation string, args map[string]interface{}, timeout time.Duration, defaultValue interface{}) (interface{}, error) {
	if !c.sender.PeerConnected(peerName) {
		if defaultValue != nil {
			return defaultValue, nil
		}
		return nil, ErrPeerNotFound
	}

	id := uuid.NewString()
	call := &pendingCall{done: make(chan rpcResponseWire, 1), sentAt: time.Now()}
	c.mu.Lock()
	c.pending[id] = call
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	payload, err := json.Marshal(rpcRequestWire{Operation: operation, PeerName: c.self, Args: args, ID: id})
	if err != nil {
		return nil, fmt.Errorf("cluster: encode rpc request: %w", err)
	}
	if err := c.sender.SendToPeer(peerName, EnvelopeRPCRequest+string(payload)); err != nil {
		if defaultValue != nil {
			return defaultValue, nil
		}
		return nil, fmt.Errorf("cluster: send rpc request to %q: %w", peerName, err)
	}

	select {
	case resp := <-call.done:
		if !resp.Success {
			return nil, fmt.Errorf("cluster: rpc %q on %q failed: %s", operation, peerName, resp.Error)
		}
		return resp.Result, nil
	case <-time.After(timeout):
		if defaultValue != nil {
			return defaultValue, nil
		}
		return nil, ErrRPCTimeout
	}
}

// RPCClusterRequest fans operation out to every peer in peerNames
// concurrently; a per-peer failure never fails the overall call
// (spec.md §4.7).
func (c *RPCCoordinator) RPCClusterRequest(peerNames []string, operation string, args map[string]interface{}, timeout time.Duration, defaultValue interface{}) map[string]RPCResult {
	results := make(map[string]RPCResult, len(peerNames))
	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, name := range peerNames {
		name := name
		wg.Add(1)
		go func() {
			defer wg.Done()
			result, err := c.RPCRequest(name, operation, args, timeout, defaultValue)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				results[name] = RPCResult{Success: false, Error: err.Error()}
				return
			}
			results[name] = RPCResult{Success: true, Result: result}
		}()
	}
	wg.Wait()
	return results
}

// HandleRequestEnvelope decodes an incoming EnvelopeRPCRequest body,
// serves built-in operations directly, falls through to appHook
// otherwise, and replies exactly once via sendRPCResponse (spec.md
// §4.7, Incoming request dispatch).
func (c *RPCCoordinator) HandleRequestEnvelope(body string) {
	var req rpcRequestWire
	if err := json.Unmarshal([]byte(body), &req); err != nil {
		c.log.Warn().Err(err).Msg("malformed rpc request envelope")
		return
	}

	result, ok, err := c.dispatch(req.Operation, req.Args)
	errMsg := ""
	if err != nil {
		errMsg = err.Error()
	}
	c.sendResponse(req.PeerName, req.ID, result, ok && err == nil, errMsg)
}

func (c *RPCCoordinator) dispatch(operation string, args map[string]interface{}) (interface{}, bool, error) {
	switch operation {
	case "uptime":
		return time.Since(c.started).Seconds(), true, nil
	case "getSTOMPCConnections":
		if c.counter == nil {
			return 0, true, nil
		}
		return c.counter(), true, nil
	default:
		if c.appHook == nil {
			return nil, false, fmt.Errorf("cluster: unknown rpc operation %q", operation)
		}
		return c.appHook(operation, args)
	}
}

func (c *RPCCoordinator) sendResponse(peerName, id string, result interface{}, success bool, errMsg string) {
	payload, err := json.Marshal(rpcResponseWire{ID: id, Result: result, Success: success, Error: errMsg})
	if err != nil {
		c.log.Warn().Err(err).Msg("encode rpc response")
		return
	}
	if err := c.sender.SendToPeer(peerName, EnvelopeRPCResponse+string(payload)); err != nil {
		c.log.Warn().Err(err).Str("peer", peerName).Msg("send rpc response")
	}
}

// HandleResponseEnvelope decodes an incoming EnvelopeRPCResponse body
// and releases the waiter registered under its correlation id, if any.
// A late response whose entry no longer exists is silently dropped
// (spec.md §4.7, step 6).
func (c *RPCCoordinator) HandleResponseEnvelope(body string) {
	var resp rpcResponseWire
	if err := json.Unmarshal([]byte(body), &resp); err != nil {
		c.log.Warn().Err(err).Msg("malformed rpc response envelope")
		return
	}

	c.mu.Lock()
	call, ok := c.pending[resp.ID]
	c.mu.Unlock()
	if !ok {
		return
	}
	resp.ExecutionTimeMS = time.Since(call.sentAt).Milliseconds()
	select {
	case call.done <- resp:
	default:
	}
}
