// Package host implements the durable projection of node-reported hosts
// into the aggregated host table, plus the FQN parsing helpers the
// command router uses to resolve operator-supplied host identifiers.
// Reconciliation is MAC-first: a host is looked up by (nodeId, mac)
// before falling back to (nodeId, name), so a hostname rename updates the
// existing row in place instead of producing a duplicate.
package host

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	gocache "github.com/patrickmn/go-cache"
	"github.com/rs/zerolog"

	"github.com/woly/hub/internal/emitter"
	"github.com/woly/hub/internal/store"
	"github.com/woly/hub/internal/werrors"
	"github.com/woly/hub/internal/wireproto"
)

// PortScanCacheTTL bounds how long a saved port-scan snapshot is considered
// fresh enough to skip a re-scan; policy on whether to actually skip is the
// caller's.
const PortScanCacheTTL = 5 * time.Minute

// StatusTransition is the payload of a "host-status-transition" native event.
type StatusTransition struct {
	FQN       string
	OldStatus string
	NewStatus string
	ChangedAt time.Time
}

// UptimeResult is the computed answer to GetHostUptime.
type UptimeResult struct {
	FQN           string
	CurrentStatus string
	AwakePercent  float64
	Transitions   int
}

// PortScanSnapshot is the last cached port-scan result for a host.
type PortScanSnapshot struct {
	ScannedAt time.Time
	OpenPorts []int
}

// Stats summarizes the aggregated host table for observability.
type Stats struct {
	Total  int
	Awake  int
	Asleep int
}

// Aggregator is the HostAggregator: reconciles node-reported host
// discoveries/updates into aggregated_hosts, records status-transition
// history, and emits native events for the PluginEventBridge to adapt.
type Aggregator struct {
	log       zerolog.Logger
	hosts     *store.HostStore
	history   *store.HistoryStore
	emitter   *emitter.Emitter
	portCache *gocache.Cache
}

// NewAggregator wires a HostAggregator over its stores.
func NewAggregator(log zerolog.Logger, hosts *store.HostStore, history *store.HistoryStore) *Aggregator {
	return &Aggregator{
		log:       log.With().Str("component", "host_aggregator").Logger(),
		hosts:     hosts,
		history:   history,
		emitter:   emitter.New(),
		portCache: gocache.New(PortScanCacheTTL, PortScanCacheTTL*2),
	}
}

// On registers a handler for one of this aggregator's native events:
// "host-added", "host-updated", "host-removed", "host-status-transition",
// "node-hosts-unreachable", "node-hosts-removed".
func (a *Aggregator) On(name string, handler emitter.Handler) emitter.Unsubscribe {
	return a.emitter.On(name, handler)
}

// OnHostDiscovered reconciles a freshly reported host into the aggregated
// table. Shares its reconciliation path with OnHostUpdated.
func (a *Aggregator) OnHostDiscovered(in wireproto.HostDiscovery) (*store.HostRecord, error) {
	rec, err := a.reconcile(in)
	if err != nil {
		a.log.Error().Err(err).Str("nodeId", in.NodeID).Str("name", in.Name).Msg("host discovery reconciliation failed")
		return nil, err
	}
	return rec, nil
}

// OnHostUpdated reconciles an updated host report. Identical reconciliation
// path to OnHostDiscovered; the distinction is purely the caller's event
// source (initial discovery vs. a later heartbeat/update message).
func (a *Aggregator) OnHostUpdated(in wireproto.HostDiscovery) (*store.HostRecord, error) {
	rec, err := a.reconcile(in)
	if err != nil {
		a.log.Error().Err(err).Str("nodeId", in.NodeID).Str("name", in.Name).Msg("host update reconciliation failed")
		return nil, err
	}
	return rec, nil
}

func (a *Aggregator) reconcile(in wireproto.HostDiscovery) (*store.HostRecord, error) {
	mac := strings.ToLower(strings.TrimSpace(in.Mac))
	fqn := buildFQN(in.Name, in.Location, in.NodeID)

	if mac != "" {
		existing, err := a.hosts.FindByNodeAndMac(in.NodeID, mac)
		if err != nil && !werrors.Is(err, werrors.KindNotFound) {
			return nil, err
		}
		if existing != nil {
			if existing.Name != in.Name {
				if dup, dErr := a.hosts.FindByNodeAndName(in.NodeID, in.Name); dErr == nil && dup != nil &&
					strings.ToLower(dup.Mac) == mac && dup.ID != existing.ID {
					if err := a.hosts.DeleteByID(dup.ID); err != nil {
						a.log.Warn().Err(err).Str("id", dup.ID).Msg("failed to clean up legacy duplicate host row")
					}
				}
			}
			return a.applyUpdate(existing, in, mac, fqn)
		}
	}

	existing, err := a.hosts.FindByNodeAndName(in.NodeID, in.Name)
	if err != nil && !werrors.Is(err, werrors.KindNotFound) {
		return nil, err
	}
	if existing != nil {
		return a.applyUpdate(existing, in, mac, fqn)
	}

	return a.insert(in, mac, fqn)
}

func (a *Aggregator) applyUpdate(existing *store.HostRecord, in wireproto.HostDiscovery, mac, fqn string) (*store.HostRecord, error) {
	prevStatus := existing.Status
	now := time.Now()

	updated := *existing
	updated.Name = in.Name
	if mac != "" {
		updated.Mac = mac
	}
	if in.SecondaryMacs != nil {
		updated.SecondaryMacs = in.SecondaryMacs
	}
	if in.IP != "" {
		updated.IP = in.IP
	}
	if in.WolPort != nil {
		updated.WolPort = in.WolPort
	}
	if in.Status != "" {
		updated.Status = in.Status
	}
	updated.Location = in.Location
	updated.FQN = fqn
	updated.LastSeen = &now
	updated.Discovered = existing.Discovered || in.Discovered
	if in.PingResponsive != nil {
		updated.PingResponsive = in.PingResponsive
	}

	if err := a.hosts.Update(&updated); err != nil {
		return nil, err
	}
	if mac != "" {
		if _, err := a.hosts.DeleteOtherByNodeAndMac(in.NodeID, mac, updated.ID); err != nil {
			a.log.Warn().Err(err).Str("mac", mac).Msg("failed to remove duplicate host rows sharing mac")
		}
	}

	a.emitter.Emit("host-updated", &updated)

	if hasMeaningfulHostStateChange(prevStatus, updated.Status) {
		if err := a.history.Append(updated.FQN, prevStatus, updated.Status); err != nil {
			a.log.Error().Err(err).Str("fqn", updated.FQN).Msg("failed to append status-history row")
		}
		a.emitter.Emit("host-status-transition", StatusTransition{
			FQN: updated.FQN, OldStatus: prevStatus, NewStatus: updated.Status, ChangedAt: now,
		})
	}

	return &updated, nil
}

func (a *Aggregator) insert(in wireproto.HostDiscovery, mac, fqn string) (*store.HostRecord, error) {
	now := time.Now()
	status := in.Status
	if status == "" {
		status = "asleep"
	}
	rec := &store.HostRecord{
		ID:             uuid.NewString(),
		NodeID:         in.NodeID,
		Name:           in.Name,
		Mac:            mac,
		SecondaryMacs:  in.SecondaryMacs,
		IP:             in.IP,
		WolPort:        in.WolPort,
		Status:         status,
		Location:       in.Location,
		FQN:            fqn,
		LastSeen:       &now,
		Discovered:     in.Discovered,
		PingResponsive: in.PingResponsive,
	}
	if err := a.hosts.Insert(rec); err != nil {
		return nil, err
	}
	a.emitter.Emit("host-added", rec)
	return rec, nil
}

// hasMeaningfulHostStateChange reports whether an update represents a
// genuine status transition worth logging and notifying on. Same-status
// refreshes (heartbeats, renames, IP changes) never produce history rows
// or "host-status-transition" events.
func hasMeaningfulHostStateChange(prevStatus, newStatus string) bool {
	return prevStatus != "" && newStatus != "" && prevStatus != newStatus
}

// OnHostRemoved deletes the (nodeID, name) row and cascades to any other
// row sharing its MAC address (further duplicate cleanup).
func (a *Aggregator) OnHostRemoved(nodeID, name string) error {
	existing, err := a.hosts.FindByNodeAndName(nodeID, name)
	if err != nil {
		return err
	}
	if err := a.hosts.DeleteByID(existing.ID); err != nil {
		return err
	}
	if existing.Mac != "" {
		if _, err := a.hosts.DeleteOtherByNodeAndMac(nodeID, existing.Mac, ""); err != nil {
			a.log.Warn().Err(err).Str("mac", existing.Mac).Msg("failed to cascade-delete duplicate host rows")
		}
	}
	a.emitter.Emit("host-removed", existing)
	return nil
}

// MarkNodeHostsUnreachable flips every awake host for nodeID to asleep, used
// when NodeRegistry observes the node disconnecting. This is the one place
// status flips without a per-host update message, so it bypasses the normal
// reconcile path and its status-history bookkeeping deliberately matches
// spec: no per-host history rows, just the emitted summary event.
func (a *Aggregator) MarkNodeHostsUnreachable(nodeID string) (int64, error) {
	n, err := a.hosts.MarkNodeHostsUnreachable(nodeID)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		a.emitter.Emit("node-hosts-unreachable", map[string]any{"nodeId": nodeID, "count": n})
	}
	return n, nil
}

// RemoveNodeHosts deletes every aggregated host belonging to nodeID, used
// when an operator deregisters a node entirely.
func (a *Aggregator) RemoveNodeHosts(nodeID string) (int64, error) {
	n, err := a.hosts.DeleteAllByNode(nodeID)
	if err != nil {
		return 0, err
	}
	a.emitter.Emit("node-hosts-removed", map[string]any{"nodeId": nodeID, "count": n})
	return n, nil
}

// GetAllHosts returns every aggregated host.
func (a *Aggregator) GetAllHosts() ([]*store.HostRecord, error) { return a.hosts.ListAll() }

// GetHostsByNode returns every aggregated host belonging to nodeID.
func (a *Aggregator) GetHostsByNode(nodeID string) ([]*store.HostRecord, error) {
	return a.hosts.ListByNode(nodeID)
}

// GetHostByFQN resolves an operator-supplied fully qualified name to its
// aggregated row, the lookup CommandRouter performs before dispatch.
func (a *Aggregator) GetHostByFQN(fqn string) (*store.HostRecord, error) {
	return a.hosts.FindByFQN(fqn)
}

// GetHostStatusHistory returns up to limit transitions for fqn, newest first.
func (a *Aggregator) GetHostStatusHistory(fqn string, limit int) ([]*store.HistoryRecord, error) {
	return a.history.ListByHost(fqn, limit)
}

// GetHostUptime computes the fraction of period (one of "24h", "7d", "30d")
// the host spent awake, by walking its status-history log and interpolating
// from its current status at the window's tail.
func (a *Aggregator) GetHostUptime(fqn, period string) (*UptimeResult, error) {
	dur, err := parsePeriod(period)
	if err != nil {
		return nil, err
	}
	h, err := a.hosts.FindByFQN(fqn)
	if err != nil {
		return nil, err
	}
	since := time.Now().Add(-dur)
	stillAwake := h.Status == "awake"

	awake, err := a.history.UptimeSince(fqn, since, stillAwake, h.UpdatedAt)
	if err != nil {
		return nil, err
	}
	transitions, err := a.history.CountSince(fqn, since)
	if err != nil {
		return nil, err
	}

	pct := 0.0
	if dur > 0 {
		pct = (float64(awake) / float64(dur)) * 100
		if pct > 100 {
			pct = 100
		}
		if pct < 0 {
			pct = 0
		}
	}

	return &UptimeResult{FQN: fqn, CurrentStatus: h.Status, AwakePercent: pct, Transitions: transitions}, nil
}

func parsePeriod(period string) (time.Duration, error) {
	switch period {
	case "24h":
		return 24 * time.Hour, nil
	case "7d":
		return 7 * 24 * time.Hour, nil
	case "30d":
		return 30 * 24 * time.Hour, nil
	default:
		return 0, werrors.Validation("invalid_period", fmt.Sprintf("unsupported uptime period %q", period))
	}
}

// GetStats summarizes the aggregated host table.
func (a *Aggregator) GetStats() (*Stats, error) {
	hosts, err := a.hosts.ListAll()
	if err != nil {
		return nil, err
	}
	s := &Stats{Total: len(hosts)}
	for _, h := range hosts {
		if h.Status == "awake" {
			s.Awake++
		} else {
			s.Asleep++
		}
	}
	return s, nil
}

// PruneHostStatusHistory deletes transition rows older than retentionDays.
func (a *Aggregator) PruneHostStatusHistory(retentionDays int) (int64, error) {
	return a.history.Prune(retentionDays)
}

// SaveHostPortScanSnapshot caches the latest port-scan result for fqn.
func (a *Aggregator) SaveHostPortScanSnapshot(fqn string, snap PortScanSnapshot) {
	a.portCache.Set(fqn, snap, gocache.DefaultExpiration)
}

// GetHostPortScanSnapshot returns the cached snapshot for fqn, if still
// within PortScanCacheTTL. Policy on whether to skip a fresh scan given a
// hit is the caller's.
func (a *Aggregator) GetHostPortScanSnapshot(fqn string) (PortScanSnapshot, bool) {
	v, ok := a.portCache.Get(fqn)
	if !ok {
		return PortScanSnapshot{}, false
	}
	return v.(PortScanSnapshot), true
}
