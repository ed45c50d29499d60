package server

import (
	"time"

	"market-feeder/src/broadcast"
	datasource "market-feeder/src/data_source"
	"market-feeder/src/feeds"
	"market-feeder/src/helpers"
	"market-feeder/src/utils"

	"github.com/benbjohnson/clock"
)

type VendorStatus struct {
	Name            string `json:"name"`
	TokensAvailable int    `json:"tokens_available"`
	MaxTokens       int    `json:"max_tokens"`
}

// Status is the server-wide snapshot served by the admin API and the control
// service.
type Status struct {
	Name                string             `json:"name"`
	StartedAt           time.Time          `json:"started_at"`
	UptimeSeconds       float64            `json:"uptime_seconds"`
	Sessions            int                `json:"sessions"`
	RegistryConnections int                `json:"registry_connections"`
	RequestsServed      uint64             `json:"requests_served"`
	RequestsFailed      uint64             `json:"requests_failed"`
	Channels            int                `json:"channels"`
	DownloadsInFlight   int                `json:"downloads_in_flight"`
	Feeds               []feeds.FeedStatus `json:"feeds"`
	Vendors             []VendorStatus     `json:"vendors"`
	MemoryMB            float64            `json:"memory_mb"`
	SystemMemoryMB      int                `json:"system_memory_mb"`
}

// -----------------------------------------------------------------------------

// StatusReporter collects Status from the running components. Any component
// may be nil.
type StatusReporter struct {
	Name     string
	Feeds    *feeds.Manager
	Stream   *StreamServer
	Requests *RequestServer
	History  *HistoryService
	Router   *datasource.Router
	Registry *broadcast.Registry

	clock     clock.Clock
	startedAt time.Time
}

func NewStatusReporter(name string, clk clock.Clock) *StatusReporter {
	if clk == nil {
		clk = clock.New()
	}
	return &StatusReporter{Name: name, clock: clk, startedAt: clk.Now()}
}

// -----------------------------------------------------------------------------

func (r *StatusReporter) Status() Status {
	st := Status{
		Name:           r.Name,
		StartedAt:      r.startedAt,
		UptimeSeconds:  r.clock.Since(r.startedAt).Seconds(),
		MemoryMB:       utils.GetProcessMemoryMB(),
		SystemMemoryMB: helpers.TotalSystemMemoryMB(),
		Feeds:          []feeds.FeedStatus{},
		Vendors:        []VendorStatus{},
	}
	if r.Stream != nil {
		st.Sessions = r.Stream.Len()
	}
	if r.Requests != nil {
		st.RegistryConnections = r.Requests.Connections()
		st.RequestsServed, st.RequestsFailed = r.Requests.Stats()
	}
	if r.History != nil {
		st.DownloadsInFlight = r.History.Tasks.Len()
	}
	if r.Registry != nil {
		st.Channels = r.Registry.Len()
	}
	if r.Feeds != nil {
		st.Feeds = r.Feeds.Active()
	}
	if r.Router != nil {
		for _, name := range r.Router.Vendors() {
			vs := VendorStatus{Name: string(name)}
			if rl, ok := r.Router.Limiter(name); ok {
				vs.TokensAvailable = rl.Available()
				vs.MaxTokens = rl.MaxTokens()
			}
			st.Vendors = append(st.Vendors, vs)
		}
	}
	return st
}

// -----------------------------------------------------------------------------

// Sessions lists live stream sessions, empty when there is no stream server.
func (r *StatusReporter) Sessions() []SessionInfo {
	if r.Stream == nil {
		return []SessionInfo{}
	}
	return r.Stream.Sessions()
}

// GCIdle collects idle broadcast channels now.
func (r *StatusReporter) GCIdle() int {
	if r.Registry == nil {
		return 0
	}
	return r.Registry.GCIdle()
}
