// Package router implements the operator-facing command orchestration
// pipeline that resolves a host FQN to its node, enqueues the command
// durably, dispatches it, waits for a correlated result, times it out,
// and flushes queued commands once a node reconnects. A single in-memory
// map of in-flight commands backs the pending-waiter/timeout/backoff
// machinery, one timer per command, goroutine-driven timeout handling.
package router

import (
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/woly/hub/internal/emitter"
	"github.com/woly/hub/internal/host"
	"github.com/woly/hub/internal/store"
	"github.com/woly/hub/internal/werrors"
	"github.com/woly/hub/internal/wireproto"
)

// NodeRegistry is the slice of the connected-node table the router depends
// on, satisfied by *node.Registry in production.
type NodeRegistry interface {
	IsNodeConnected(nodeID string) bool
	GetNodeStatus(nodeID string) string
	GetConnectedNodes() []string
	SendCommand(nodeID string, msg *wireproto.OutboundMessage) error
	On(name string, handler emitter.Handler) emitter.Unsubscribe
}

// HostResolver is the slice of HostAggregator's contract the router
// depends on, satisfied by *host.Aggregator in production.
type HostResolver interface {
	GetHostByFQN(fqn string) (*store.HostRecord, error)
	OnHostRemoved(nodeID, name string) error
}

// Metrics receives dispatch/completion observations; satisfied by
// *metrics.Metrics in production. Tests may pass a no-op implementation.
type Metrics interface {
	CommandDispatched(commandType string)
	CommandCompleted(commandType string, success bool)
}

// Config holds the router's tunables, sourced from config.Config.
type Config struct {
	CommandTimeout        time.Duration
	CommandMaxRetries     int
	CommandRetryBaseDelay time.Duration
	OfflineCommandTTL     time.Duration
}

// CommandOptions carries the operator-supplied fields common to every
// route<X> call.
type CommandOptions struct {
	IdempotencyKey string
	CorrelationID  string
}

// WakeOptions extends CommandOptions with wake-specific fields.
type WakeOptions struct {
	CommandOptions
	WolPort *int
	Verify  bool
}

// ScanPortsOptions extends CommandOptions with scan-host-ports fields.
type ScanPortsOptions struct {
	CommandOptions
	Ports     []int
	TimeoutMs *int
}

// UpdateHostOptions extends CommandOptions with update-host's
// undefined-vs-null merge semantics: *Set distinguishes "field not
// supplied" from "field explicitly supplied" (including explicit null).
type UpdateHostOptions struct {
	CommandOptions
	NotesSet bool
	Notes    *string // nil with NotesSet=true means "explicitly clear"
	TagsSet  bool
	Tags     json.RawMessage // nil with TagsSet=true means "explicitly clear"
}

// Result is the typed outcome of a route<X> call.
type Result struct {
	Success          bool
	State            string
	Message          string
	Error            string
	CommandID        string
	NodeID           string
	Location         string
	CorrelationID    string
	CompletedAt      *time.Time
	HostPing         json.RawMessage
	HostPortScan     json.RawMessage
	WakeVerification json.RawMessage
}

// NodeScanResult is one node's outcome within a RouteScanHosts fan-out.
type NodeScanResult struct {
	NodeID    string
	Success   bool
	CommandID string
	Error     string
}

// ScanHostsResult aggregates a RouteScanHosts fan-out across every
// connected node.
type ScanHostsResult struct {
	State       string
	CommandID   string
	QueuedAt    time.Time
	StartedAt   time.Time
	CompletedAt time.Time
	LastScanAt  time.Time
	NodeResults []NodeScanResult
}

// WakeVerificationComplete is the payload of a "wake-verification-complete"
// router event, correlating an async verify result back to its FQN.
type WakeVerificationComplete struct {
	CommandID        string
	FQN              string
	WakeVerification json.RawMessage
}

type pendingEntry struct {
	waiters       []chan routeOutcome
	timer         *time.Timer
	correlationID string
	commandType   string
	nodeID        string
}

type routeOutcome struct {
	result *Result
	err    error
}

// Router is the CommandRouter.
type Router struct {
	log      zerolog.Logger
	store    *store.CommandStore
	hosts    HostResolver
	registry NodeRegistry
	metrics  Metrics
	cfg      Config

	emitter *emitter.Emitter

	mu         sync.Mutex
	pending    map[string]*pendingEntry
	flushing   map[string]bool
	wakeVerify map[string]string // commandId -> fqn

	unsubResult  emitter.Unsubscribe
	unsubConnect emitter.Unsubscribe
}

// New wires a CommandRouter over its collaborators. Subscribes to the
// registry's "command-result" and "node-connected" events immediately;
// callers must call Shutdown to detach them.
func New(log zerolog.Logger, cmdStore *store.CommandStore, hosts HostResolver, registry NodeRegistry, metrics Metrics, cfg Config) *Router {
	r := &Router{
		log:        log.With().Str("component", "command_router").Logger(),
		store:      cmdStore,
		hosts:      hosts,
		registry:   registry,
		metrics:    metrics,
		cfg:        cfg,
		emitter:    emitter.New(),
		pending:    make(map[string]*pendingEntry),
		flushing:   make(map[string]bool),
		wakeVerify: make(map[string]string),
	}
	r.unsubResult = registry.On("command-result", r.handleCommandResult)
	r.unsubConnect = registry.On("node-connected", r.handleNodeConnected)
	return r
}

// OnWakeVerificationComplete registers a handler for async wake-verify
// results that arrive after the initiating call already returned.
func (r *Router) OnWakeVerificationComplete(handler emitter.Handler) emitter.Unsubscribe {
	return r.emitter.On("wake-verification-complete", handler)
}

// Shutdown detaches the router's emitter subscriptions and rejects every
// pending waiter with a shutdown error.
func (r *Router) Shutdown() {
	r.unsubResult()
	r.unsubConnect()

	r.mu.Lock()
	pending := r.pending
	r.pending = make(map[string]*pendingEntry)
	r.mu.Unlock()

	for _, e := range pending {
		r.rejectWaiters(e, werrors.Transport("router_shutdown", "command router is shutting down", nil))
	}
}

func (r *Router) resolveHost(fqn string) (*store.HostRecord, error) {
	if _, _, err := host.ParseFQN(fqn); err != nil {
		return nil, err
	}
	h, err := r.hosts.GetHostByFQN(fqn)
	if err != nil {
		return nil, werrors.NotFound("host_not_found", "Host not found")
	}
	return h, nil
}

// ───────────────────────────── route<X> operations ─────────────────────

// RouteWake dispatches a wake command. May enqueue and return a "queued"
// result if the target node is offline — wake is durable through outages.
func (r *Router) RouteWake(fqn string, opts WakeOptions) (*Result, error) {
	h, err := r.resolveHost(fqn)
	if err != nil {
		return nil, err
	}
	data := wireproto.WakeData{HostName: h.Name, Mac: h.Mac, WolPort: opts.WolPort, Verify: opts.Verify}
	res, err := r.executeCommand(h.NodeID, wireproto.CommandWake, data, opts.CommandOptions)
	if err != nil {
		return nil, err
	}
	res.Location = h.Location
	if res.Success && res.State == string(store.StateAcknowledged) {
		res.Message = fmt.Sprintf("Wake-on-LAN packet sent to %s", fqn)
	}
	if opts.Verify && res.Success {
		r.mu.Lock()
		r.wakeVerify[res.CommandID] = fqn
		r.mu.Unlock()
	}
	return res, nil
}

// RoutePingHost dispatches a ping command. Requires the node to be online
// synchronously; fails fast otherwise.
func (r *Router) RoutePingHost(fqn string, opts CommandOptions) (*Result, error) {
	return r.routeSyncHostAction(fqn, wireproto.CommandPingHost, "", opts)
}

// RouteSleepHost dispatches a sleep command with a confirmation literal.
func (r *Router) RouteSleepHost(fqn string, opts CommandOptions) (*Result, error) {
	return r.routeSyncHostAction(fqn, wireproto.CommandSleepHost, string(wireproto.CommandSleepHost), opts)
}

// RouteShutdownHost dispatches a shutdown command with a confirmation literal.
func (r *Router) RouteShutdownHost(fqn string, opts CommandOptions) (*Result, error) {
	return r.routeSyncHostAction(fqn, wireproto.CommandShutdownHost, string(wireproto.CommandShutdownHost), opts)
}

func (r *Router) routeSyncHostAction(fqn string, cmdType wireproto.CommandType, confirmation string, opts CommandOptions) (*Result, error) {
	h, err := r.resolveHost(fqn)
	if err != nil {
		return nil, err
	}
	if r.registry.GetNodeStatus(h.NodeID) != "online" {
		return nil, werrors.Precondition("node_offline", fmt.Sprintf("node %s is offline", h.NodeID))
	}
	data := wireproto.HostActionData{HostName: h.Name, Mac: h.Mac, IP: h.IP, Confirmation: confirmation}
	res, err := r.executeCommand(h.NodeID, cmdType, data, opts)
	if err != nil {
		return nil, err
	}
	res.Location = h.Location
	return res, nil
}

// RouteScan dispatches an immediate-or-scheduled discovery scan to one
// node. Requires the node to be online synchronously.
func (r *Router) RouteScan(nodeID string, immediate bool, opts CommandOptions) (*Result, error) {
	if r.registry.GetNodeStatus(nodeID) != "online" {
		return nil, werrors.Precondition("node_offline", fmt.Sprintf("node %s is offline", nodeID))
	}
	data := wireproto.ScanData{Immediate: immediate}
	return r.executeCommand(nodeID, wireproto.CommandScan, data, opts)
}

// RouteScanHostPorts dispatches a port scan for one host. Requires the
// node to be online synchronously.
func (r *Router) RouteScanHostPorts(fqn string, opts ScanPortsOptions) (*Result, error) {
	h, err := r.resolveHost(fqn)
	if err != nil {
		return nil, err
	}
	if r.registry.GetNodeStatus(h.NodeID) != "online" {
		return nil, werrors.Precondition("node_offline", fmt.Sprintf("node %s is offline", h.NodeID))
	}
	data := wireproto.ScanHostPortsData{
		HostName:  h.Name,
		Mac:       h.Mac,
		IP:        h.IP,
		Ports:     wireproto.NormalizePortList(opts.Ports),
		TimeoutMs: opts.TimeoutMs,
	}
	res, err := r.executeCommand(h.NodeID, wireproto.CommandScanHostPorts, data, opts.CommandOptions)
	if err != nil {
		return nil, err
	}
	res.Location = h.Location
	return res, nil
}

// RouteUpdateHost dispatches a host metadata update. Dispatches even if the
// node is offline, returning the same "queued" short-circuit as wake.
func (r *Router) RouteUpdateHost(fqn string, opts UpdateHostOptions) (*Result, error) {
	h, err := r.resolveHost(fqn)
	if err != nil {
		return nil, err
	}
	data := wireproto.UpdateHostData{Name: h.Name}
	if opts.NotesSet {
		if opts.Notes == nil {
			empty := ""
			data.Notes = &empty
		} else {
			data.Notes = opts.Notes
		}
	}
	if opts.TagsSet {
		if opts.Tags == nil {
			null := json.RawMessage("null")
			data.Tags = &null
		} else {
			tags := opts.Tags
			data.Tags = &tags
		}
	}
	res, err := r.executeCommand(h.NodeID, wireproto.CommandUpdateHost, data, opts.CommandOptions)
	if err != nil {
		return nil, err
	}
	res.Location = h.Location
	return res, nil
}

// RouteDeleteHost dispatches a host deletion. The aggregated row is only
// removed from the result-intake path on acknowledged success, never
// eagerly here.
func (r *Router) RouteDeleteHost(fqn string, opts CommandOptions) (*Result, error) {
	h, err := r.resolveHost(fqn)
	if err != nil {
		return nil, err
	}
	data := wireproto.DeleteHostData{Name: h.Name}
	res, err := r.executeCommand(h.NodeID, wireproto.CommandDeleteHost, data, opts)
	if err != nil {
		return nil, err
	}
	res.Location = h.Location
	return res, nil
}

// RouteScanHosts fans a scan out to every currently connected node in
// parallel. Reports the first successful node's commandId in iteration
// order over NodeRegistry.GetConnectedNodes().
func (r *Router) RouteScanHosts(opts CommandOptions) (*ScanHostsResult, error) {
	nodes := r.registry.GetConnectedNodes()
	if len(nodes) == 0 {
		return nil, werrors.Precondition("no_nodes_online", "no connected nodes to scan")
	}

	type outcome struct {
		res *Result
		err error
	}
	outcomes := make([]outcome, len(nodes))
	var wg sync.WaitGroup
	for i, nodeID := range nodes {
		wg.Add(1)
		go func(i int, nodeID string) {
			defer wg.Done()
			res, err := r.executeCommand(nodeID, wireproto.CommandScan, wireproto.ScanData{Immediate: true}, CommandOptions{CorrelationID: opts.CorrelationID})
			outcomes[i] = outcome{res: res, err: err}
		}(i, nodeID)
	}
	wg.Wait()

	now := time.Now()
	agg := &ScanHostsResult{State: "acknowledged", QueuedAt: now, StartedAt: now, CompletedAt: now, LastScanAt: now}

	var firstErr error
	for i, o := range outcomes {
		nr := NodeScanResult{NodeID: nodes[i]}
		switch {
		case o.err != nil:
			nr.Error = o.err.Error()
			if firstErr == nil {
				firstErr = o.err
			}
		case !o.res.Success:
			nr.Error = o.res.Error
			if firstErr == nil {
				firstErr = werrors.Execution("scan_failed", o.res.Error)
			}
		default:
			nr.Success = true
			nr.CommandID = o.res.CommandID
			if agg.CommandID == "" {
				agg.CommandID = o.res.CommandID
			}
		}
		agg.NodeResults = append(agg.NodeResults, nr)
	}

	if agg.CommandID == "" {
		if firstErr != nil {
			return nil, firstErr
		}
		return nil, werrors.Execution("scan_hosts_failed", "no node accepted the scan command")
	}
	return agg, nil
}

// ───────────────────────────── dispatch pipeline ────────────────────────

func (r *Router) executeCommand(nodeID string, cmdType wireproto.CommandType, data any, opts CommandOptions) (*Result, error) {
	id := uuid.NewString()
	msg, err := wireproto.NewOutboundMessage(id, cmdType, data)
	if err != nil {
		return nil, werrors.Validation("invalid_payload", "failed to encode command payload")
	}
	payloadJSON, err := json.Marshal(msg)
	if err != nil {
		return nil, werrors.Validation("invalid_payload", "failed to encode command envelope")
	}

	scopedKey := ""
	if trimmed := strings.TrimSpace(opts.IdempotencyKey); trimmed != "" {
		scopedKey = string(cmdType) + ":" + trimmed
	}

	rec, err := r.store.Enqueue(id, nodeID, string(cmdType), string(payloadJSON), scopedKey)
	if err != nil {
		return nil, err
	}

	if rec.State.IsTerminal() {
		return synthesizeResult(rec, opts.CorrelationID), nil
	}

	if rec.State == store.StateQueued && !r.registry.IsNodeConnected(nodeID) {
		return &Result{
			Success: true, State: string(store.StateQueued), Message: "Command queued (node offline)",
			CommandID: rec.ID, NodeID: nodeID, CorrelationID: opts.CorrelationID,
		}, nil
	}

	dispatchMsg := msg
	if rec.ID != id {
		dispatchMsg = &wireproto.OutboundMessage{}
		if err := json.Unmarshal([]byte(rec.Payload), dispatchMsg); err != nil {
			return nil, werrors.Persistence("corrupt_payload", "stored command payload is not valid JSON", err)
		}
	}

	ch := make(chan routeOutcome, 1)
	r.registerPending(rec.ID, nodeID, string(cmdType), opts.CorrelationID, ch)

	if rec.State == store.StateQueued {
		go r.dispatchPersistedCommand(rec.ID, nodeID, dispatchMsg, rec.RetryCount, false)
	}

	outcome := <-ch
	return outcome.result, outcome.err
}

func synthesizeResult(rec *store.CommandRecord, correlationID string) *Result {
	res := &Result{
		CommandID: rec.ID, NodeID: rec.NodeID, State: string(rec.State),
		CorrelationID: correlationID, CompletedAt: rec.CompletedAt, Error: rec.Error,
	}
	res.Success = rec.State == store.StateAcknowledged
	return res
}

func (r *Router) registerPending(id, nodeID, commandType, correlationID string, ch chan routeOutcome) *pendingEntry {
	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.pending[id]; ok {
		e.waiters = append(e.waiters, ch)
		return e
	}

	timer := time.AfterFunc(r.cfg.CommandTimeout, func() { r.handleTimeout(id) })
	e := &pendingEntry{waiters: []chan routeOutcome{ch}, timer: timer, correlationID: correlationID, commandType: commandType, nodeID: nodeID}
	r.pending[id] = e
	return e
}

func (r *Router) dispatchPersistedCommand(id, nodeID string, msg *wireproto.OutboundMessage, retryCount int, applyBackoff bool) {
	if retryCount > 0 && applyBackoff {
		delay := calculateBackoffDelay(retryCount, r.cfg.CommandRetryBaseDelay, r.cfg.CommandTimeout)
		time.Sleep(delay)
	}

	if err := r.registry.SendCommand(nodeID, msg); err != nil {
		r.mu.Lock()
		e, ok := r.pending[id]
		if ok {
			delete(r.pending, id)
		}
		r.mu.Unlock()

		if markErr := r.store.MarkFailed(id, err.Error()); markErr != nil {
			r.log.Error().Err(markErr).Str("commandId", id).Msg("failed to persist dispatch failure")
		}
		if ok {
			r.rejectWaiters(e, err)
		}
		return
	}

	if err := r.store.MarkSent(id); err != nil {
		r.log.Error().Err(err).Str("commandId", id).Msg("failed to persist sent state")
	}
	if r.metrics != nil {
		r.metrics.CommandDispatched(string(msg.Type))
	}
}

func (r *Router) handleTimeout(id string) {
	r.mu.Lock()
	e, ok := r.pending[id]
	if ok {
		delete(r.pending, id)
	}
	r.mu.Unlock()
	if !ok {
		return
	}

	rec, _ := r.store.FindByID(id)
	attempt := 1
	if rec != nil {
		attempt = rec.RetryCount
		if attempt == 0 {
			attempt = 1
		}
	}
	msg := fmt.Sprintf("Command %s timed out after %dms (attempt %d/%d)", id, r.cfg.CommandTimeout.Milliseconds(), attempt, r.cfg.CommandMaxRetries)

	if err := r.store.MarkTimedOut(id, msg); err != nil {
		r.log.Error().Err(err).Str("commandId", id).Msg("failed to persist timeout")
	}
	r.rejectWaiters(e, werrors.Timeout("command_timeout", msg))
}

func (r *Router) rejectWaiters(e *pendingEntry, err error) {
	e.timer.Stop()
	for _, ch := range e.waiters {
		ch <- routeOutcome{err: err}
		close(ch)
	}
}

func (r *Router) resolveWaiters(e *pendingEntry, result *Result) {
	e.timer.Stop()
	for _, ch := range e.waiters {
		ch <- routeOutcome{result: result}
		close(ch)
	}
}

// ───────────────────────────── result intake ────────────────────────────

func (r *Router) handleCommandResult(data any) {
	res, ok := data.(wireproto.CommandResult)
	if !ok {
		return
	}

	r.mu.Lock()
	e, hasPending := r.pending[res.CommandID]
	if hasPending {
		delete(r.pending, res.CommandID)
	}
	r.mu.Unlock()

	rec, recErr := r.store.FindByID(res.CommandID)

	commandType, nodeID := "", ""
	if hasPending {
		commandType, nodeID = e.commandType, e.nodeID
	}
	if recErr == nil && rec != nil {
		if commandType == "" {
			commandType = rec.Type
		}
		if nodeID == "" {
			nodeID = rec.NodeID
		}
	}

	if res.Success {
		if err := r.store.MarkAcknowledged(res.CommandID); err != nil {
			r.log.Error().Err(err).Str("commandId", res.CommandID).Msg("failed to persist acknowledged command")
		}
	} else if err := r.store.MarkFailed(res.CommandID, res.Error); err != nil {
		r.log.Error().Err(err).Str("commandId", res.CommandID).Msg("failed to persist failed command")
	}

	if r.metrics != nil {
		r.metrics.CommandCompleted(commandType, res.Success)
	}

	if res.Success && commandType == string(wireproto.CommandDeleteHost) && recErr == nil && rec != nil {
		r.removeHostAfterDeleteAck(nodeID, rec)
	}

	if hasPending {
		correlationID := res.CorrelationID
		if correlationID == "" {
			correlationID = e.correlationID
		}
		if res.Success {
			r.resolveWaiters(e, &Result{
				Success: true, State: string(store.StateAcknowledged), Message: res.Message,
				CommandID: res.CommandID, NodeID: nodeID, CorrelationID: correlationID,
				HostPing: res.HostPing, HostPortScan: res.HostPortScan, WakeVerification: res.WakeVerification,
			})
		} else {
			r.rejectWaiters(e, werrors.Execution("command_failed", res.Error))
		}
		return
	}

	r.mu.Lock()
	fqn, hasWV := r.wakeVerify[res.CommandID]
	if hasWV {
		delete(r.wakeVerify, res.CommandID)
	}
	r.mu.Unlock()

	if hasWV && len(res.WakeVerification) > 0 {
		r.emitter.Emit("wake-verification-complete", WakeVerificationComplete{
			CommandID: res.CommandID, FQN: fqn, WakeVerification: res.WakeVerification,
		})
		return
	}

	r.log.Warn().Str("commandId", res.CommandID).Msg("received command-result for unknown command id")
}

func (r *Router) removeHostAfterDeleteAck(nodeID string, rec *store.CommandRecord) {
	var payload wireproto.OutboundMessage
	if err := json.Unmarshal([]byte(rec.Payload), &payload); err != nil {
		r.log.Error().Err(err).Str("commandId", rec.ID).Msg("failed to decode delete-host payload")
		return
	}
	var delData wireproto.DeleteHostData
	if err := json.Unmarshal(payload.Data, &delData); err != nil {
		r.log.Error().Err(err).Str("commandId", rec.ID).Msg("failed to decode delete-host data")
		return
	}
	if err := r.hosts.OnHostRemoved(nodeID, delData.Name); err != nil {
		r.log.Error().Err(err).Str("name", delData.Name).Msg("failed to remove aggregated host after delete-host ack")
	}
}

// ───────────────────────────── reconnect flush ──────────────────────────

func (r *Router) handleNodeConnected(data any) {
	nodeID, ok := data.(string)
	if !ok {
		return
	}

	r.mu.Lock()
	if r.flushing[nodeID] {
		r.mu.Unlock()
		return
	}
	r.flushing[nodeID] = true
	r.mu.Unlock()

	go func() {
		defer func() {
			r.mu.Lock()
			delete(r.flushing, nodeID)
			r.mu.Unlock()
		}()
		r.flushQueuedCommandsForNode(nodeID)
	}()
}

func (r *Router) flushQueuedCommandsForNode(nodeID string) {
	rows, err := r.store.ListQueuedByNode(nodeID, 500)
	if err != nil {
		r.log.Error().Err(err).Str("nodeId", nodeID).Msg("failed to list queued commands for reconnect flush")
		return
	}

	for _, rec := range rows {
		if time.Since(rec.CreatedAt) >= r.cfg.OfflineCommandTTL {
			if err := r.store.MarkFailed(rec.ID, "Command expired in offline queue"); err != nil {
				r.log.Error().Err(err).Str("commandId", rec.ID).Msg("failed to expire stale queued command")
			}
			continue
		}

		var msg wireproto.OutboundMessage
		if err := json.Unmarshal([]byte(rec.Payload), &msg); err != nil || msg.Type == "" || msg.CommandID == "" {
			if err := r.store.MarkFailed(rec.ID, "invalid payload"); err != nil {
				r.log.Error().Err(err).Str("commandId", rec.ID).Msg("failed to fail invalid queued command")
			}
			continue
		}

		r.mu.Lock()
		_, exists := r.pending[rec.ID]
		r.mu.Unlock()
		if exists {
			continue
		}

		ch := make(chan routeOutcome, 1)
		r.registerPending(rec.ID, nodeID, rec.Type, "", ch)
		r.dispatchPersistedCommand(rec.ID, nodeID, &msg, rec.RetryCount, true)
	}
}

// calculateBackoffDelay computes a jittered, capped exponential
// backoff with +/-25% jitter, capped at half the command timeout.
func calculateBackoffDelay(retryCount int, baseDelay, commandTimeout time.Duration) time.Duration {
	exponential := float64(baseDelay) * math.Pow(2, float64(retryCount))
	jitterFactor := (rand.Float64() * 0.5) - 0.25 // uniform(-0.25, +0.25)
	delay := exponential + exponential*jitterFactor

	cap := float64(commandTimeout) / 2
	if delay < 0 {
		delay = 0
	}
	if delay > cap {
		delay = cap
	}
	return time.Duration(delay)
}
