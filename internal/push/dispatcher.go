package push

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/woly/hub/internal/events"
	"github.com/woly/hub/internal/host"
	"github.com/woly/hub/internal/store"
)

// Metrics receives per-attempt delivery observations, satisfied by
// *metrics.Metrics. Optional: a Dispatcher with no Metrics set simply
// skips recording.
type Metrics interface {
	PushDeliveryAttempt(platform string, success bool)
}

// Dispatcher is the PushDispatcher.
type Dispatcher struct {
	log       zerolog.Logger
	pushStore *store.PushStore
	fcm       Provider
	apns      Provider
	enabled   bool
	metrics   Metrics
	wg        sync.WaitGroup
}

// SetMetrics attaches a Metrics sink. Call before Subscribe to avoid a race
// with in-flight deliveries.
func (d *Dispatcher) SetMetrics(m Metrics) { d.metrics = m }

// New wires a PushDispatcher. fcm/apns may be nil if push is disabled or a
// platform has no configured credentials; devices on a nil-provider
// platform are silently skipped.
func New(log zerolog.Logger, pushStore *store.PushStore, fcm, apns Provider, enabled bool) *Dispatcher {
	return &Dispatcher{
		log:       log.With().Str("component", "push_dispatcher").Logger(),
		pushStore: pushStore,
		fcm:       fcm,
		apns:      apns,
		enabled:   enabled,
	}
}

// Subscribe registers the dispatcher's HandleEvent for every bus event type
// it delivers notifications for, returning a combined Unsubscribe.
func (d *Dispatcher) Subscribe(bus *events.Bus) events.Unsubscribe {
	types := []events.Type{
		events.TypeHostStatusTransition, events.TypeScanComplete, events.TypeNodeDisconnected,
	}
	unsubs := make([]events.Unsubscribe, 0, len(types))
	for _, t := range types {
		unsubs = append(unsubs, bus.Subscribe(t, d.HandleEvent))
	}
	return func() {
		for _, u := range unsubs {
			u()
		}
	}
}

// HandleEvent loads every device grouped by user, filters by preference and
// quiet hours, and fires a fire-and-forget delivery per surviving device.
func (d *Dispatcher) HandleEvent(ev events.Event) error {
	if !d.enabled {
		return nil
	}

	devices, err := d.pushStore.ListAllDevices()
	if err != nil {
		return err
	}
	byUser := make(map[string][]*store.PushDevice)
	for _, dev := range devices {
		byUser[dev.UserID] = append(byUser[dev.UserID], dev)
	}

	msg := buildMessage(ev)
	now := time.Now()

	for userID, devs := range byUser {
		pref, err := d.pushStore.GetPreference(userID)
		if err != nil {
			d.log.Error().Err(err).Str("userId", userID).Msg("failed to load notification preference")
			continue
		}
		if !pref.Enabled {
			continue
		}
		if len(pref.Events) > 0 && !containsStr(pref.Events, string(ev.Type)) {
			continue
		}
		if inQuietHours(pref.QuietHours, now) {
			continue
		}
		for _, dev := range devs {
			dev := dev
			d.wg.Add(1)
			go func() {
				defer d.wg.Done()
				d.deliver(dev, msg)
			}()
		}
	}
	return nil
}

func (d *Dispatcher) deliver(dev *store.PushDevice, msg Message) {
	var provider Provider
	switch dev.Platform {
	case "android", "fcm":
		provider = d.fcm
	case "ios", "apns":
		provider = d.apns
	default:
		d.log.Error().Str("platform", dev.Platform).Msg("unknown push platform")
		return
	}
	if provider == nil {
		return
	}

	res := provider.Send(dev.Token, msg)
	if d.metrics != nil {
		d.metrics.PushDeliveryAttempt(dev.Platform, res.Success)
	}
	if !res.Success {
		d.log.Error().Str("platform", dev.Platform).Int("statusCode", res.StatusCode).Str("error", res.Error).Msg("push delivery failed")
	}
	if res.PermanentFailure {
		if err := d.pushStore.DeleteDeviceByToken(dev.Token); err != nil {
			d.log.Error().Err(err).Msg("failed to delete permanently failing push device")
		}
	}
}

// Shutdown waits for in-flight deliveries to finish.
func (d *Dispatcher) Shutdown() {
	d.wg.Wait()
}

func containsStr(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

func buildMessage(ev events.Event) Message {
	switch ev.Type {
	case events.TypeHostStatusTransition:
		if st, ok := ev.Data.(host.StatusTransition); ok {
			if st.NewStatus == "awake" {
				return Message{Title: "Host Awake", Body: fmt.Sprintf("%s is now awake", st.FQN), Data: normalizeData(ev.Data)}
			}
			return Message{Title: "Host Asleep", Body: fmt.Sprintf("%s is now asleep", st.FQN), Data: normalizeData(ev.Data)}
		}
	case events.TypeScanComplete:
		return Message{Title: "Scan Complete", Body: "Host discovery scan finished", Data: normalizeData(ev.Data)}
	case events.TypeNodeDisconnected:
		return Message{Title: "Node Offline", Body: "A node has disconnected", Data: normalizeData(ev.Data)}
	}
	return Message{Title: "Woly Hub", Body: string(ev.Type), Data: normalizeData(ev.Data)}
}

// normalizeData round-trips data through JSON so the notification payload
// always carries null rather than an absent/undefined field.
func normalizeData(data any) map[string]any {
	raw, err := json.Marshal(data)
	if err != nil {
		return map[string]any{}
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return map[string]any{"value": string(raw)}
	}
	return m
}

// inQuietHours reports whether now falls inside qh, evaluated in qh's
// timezone (falling back to UTC). start == end means the window spans all
// day; start > end means it wraps past midnight.
func inQuietHours(qh *store.QuietHours, now time.Time) bool {
	if qh == nil || qh.Start == "" || qh.End == "" {
		return false
	}
	loc := time.UTC
	if qh.Timezone != "" {
		if l, err := time.LoadLocation(qh.Timezone); err == nil {
			loc = l
		}
	}
	local := now.In(loc)

	startH, startM, errS := parseHHMM(qh.Start)
	endH, endM, errE := parseHHMM(qh.End)
	if errS != nil || errE != nil {
		return false
	}
	startMinutes := startH*60 + startM
	endMinutes := endH*60 + endM
	nowMinutes := local.Hour()*60 + local.Minute()

	if startMinutes == endMinutes {
		return true
	}
	if startMinutes < endMinutes {
		return nowMinutes >= startMinutes && nowMinutes < endMinutes
	}
	return nowMinutes >= startMinutes || nowMinutes < endMinutes
}

func parseHHMM(s string) (hour, minute int, err error) {
	_, err = fmt.Sscanf(s, "%d:%d", &hour, &minute)
	return hour, minute, err
}
