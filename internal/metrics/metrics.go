package metrics

import (
	"context"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/parlorchat/parlor/internal/database/models"
)

// PresenceProvider exposes realtime connection state. Implemented by the hub.
type PresenceProvider interface {
	OnlineUserIDs() []string
	SessionCount() int
}

// MediaStatsProvider exposes live media room state. Implemented by the SFU.
type MediaStatsProvider interface {
	RoomCount() int
	PeerCount() int
}

// RecordingCounter exposes the number of in-flight recordings.
type RecordingCounter interface {
	ActiveCount() int
}

// UserCounter returns the total number of registered accounts.
type UserCounter interface {
	Count(ctx context.Context) (int64, error)
}

// MessageCounter returns the total number of stored chat messages.
type MessageCounter interface {
	Count(ctx context.Context) (int64, error)
}

// CallStatusCounter returns call counts grouped by lifecycle state.
type CallStatusCounter interface {
	CountByStatus(ctx context.Context) (map[string]int64, error)
}

// Collector is a prometheus.Collector that gathers Parlor metrics at scrape time.
type Collector struct {
	presence   PresenceProvider
	media      MediaStatsProvider
	recordings RecordingCounter
	users      UserCounter
	messages   MessageCounter
	calls      CallStatusCounter
	startTime  time.Time

	// Metric descriptors.
	onlineUsersDesc      *prometheus.Desc
	wsSessionsDesc       *prometheus.Desc
	mediaRoomsDesc       *prometheus.Desc
	mediaPeersDesc       *prometheus.Desc
	activeRecordingsDesc *prometheus.Desc
	registeredUsersDesc  *prometheus.Desc
	messagesTotalDesc    *prometheus.Desc
	callsTotalDesc       *prometheus.Desc
	uptimeDesc           *prometheus.Desc
}

// NewCollector creates a new metrics collector. Any provider may be nil if unavailable.
func NewCollector(
	presence PresenceProvider,
	media MediaStatsProvider,
	recordings RecordingCounter,
	users UserCounter,
	messages MessageCounter,
	calls CallStatusCounter,
	startTime time.Time,
) *Collector {
	return &Collector{
		presence:   presence,
		media:      media,
		recordings: recordings,
		users:      users,
		messages:   messages,
		calls:      calls,
		startTime:  startTime,

		onlineUsersDesc: prometheus.NewDesc(
			"parlor_online_users",
			"Number of distinct users with at least one websocket session",
			nil, nil,
		),
		wsSessionsDesc: prometheus.NewDesc(
			"parlor_ws_sessions",
			"Number of connected websocket sessions",
			nil, nil,
		),
		mediaRoomsDesc: prometheus.NewDesc(
			"parlor_media_rooms",
			"Number of live media rooms",
			nil, nil,
		),
		mediaPeersDesc: prometheus.NewDesc(
			"parlor_media_peers",
			"Number of peers across all media rooms",
			nil, nil,
		),
		activeRecordingsDesc: prometheus.NewDesc(
			"parlor_active_recordings",
			"Number of in-flight call recordings",
			nil, nil,
		),
		registeredUsersDesc: prometheus.NewDesc(
			"parlor_registered_users",
			"Total number of registered accounts",
			nil, nil,
		),
		messagesTotalDesc: prometheus.NewDesc(
			"parlor_messages_total",
			"Total number of stored chat messages",
			nil, nil,
		),
		callsTotalDesc: prometheus.NewDesc(
			"parlor_calls_total",
			"Total number of calls by lifecycle state",
			[]string{"status"}, nil,
		),
		uptimeDesc: prometheus.NewDesc(
			"parlor_uptime_seconds",
			"Seconds since the Parlor process started",
			nil, nil,
		),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.onlineUsersDesc
	ch <- c.wsSessionsDesc
	ch <- c.mediaRoomsDesc
	ch <- c.mediaPeersDesc
	ch <- c.activeRecordingsDesc
	ch <- c.registeredUsersDesc
	ch <- c.messagesTotalDesc
	ch <- c.callsTotalDesc
	ch <- c.uptimeDesc
}

// Collect implements prometheus.Collector. It queries all providers at scrape time.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// Presence gauges.
	if c.presence != nil {
		ch <- prometheus.MustNewConstMetric(
			c.onlineUsersDesc, prometheus.GaugeValue,
			float64(len(c.presence.OnlineUserIDs())),
		)
		ch <- prometheus.MustNewConstMetric(
			c.wsSessionsDesc, prometheus.GaugeValue,
			float64(c.presence.SessionCount()),
		)
	}

	// Media plane gauges.
	if c.media != nil {
		ch <- prometheus.MustNewConstMetric(
			c.mediaRoomsDesc, prometheus.GaugeValue,
			float64(c.media.RoomCount()),
		)
		ch <- prometheus.MustNewConstMetric(
			c.mediaPeersDesc, prometheus.GaugeValue,
			float64(c.media.PeerCount()),
		)
	}

	// In-flight recordings gauge.
	if c.recordings != nil {
		ch <- prometheus.MustNewConstMetric(
			c.activeRecordingsDesc, prometheus.GaugeValue,
			float64(c.recordings.ActiveCount()),
		)
	}

	// Registered accounts gauge.
	if c.users != nil {
		count, err := c.users.Count(ctx)
		if err != nil {
			slog.Error("metrics: failed to count users", "error", err)
		} else {
			ch <- prometheus.MustNewConstMetric(
				c.registeredUsersDesc, prometheus.GaugeValue,
				float64(count),
			)
		}
	}

	// Message volume counter.
	if c.messages != nil {
		count, err := c.messages.Count(ctx)
		if err != nil {
			slog.Error("metrics: failed to count messages", "error", err)
		} else {
			ch <- prometheus.MustNewConstMetric(
				c.messagesTotalDesc, prometheus.CounterValue,
				float64(count),
			)
		}
	}

	// Call volume counters by lifecycle state.
	if c.calls != nil {
		counts, err := c.calls.CountByStatus(ctx)
		if err != nil {
			slog.Error("metrics: failed to count calls by status", "error", err)
		} else {
			for _, status := range []string{
				models.CallRinging, models.CallOngoing, models.CallCompleted,
				models.CallMissed, models.CallRejected,
			} {
				ch <- prometheus.MustNewConstMetric(
					c.callsTotalDesc, prometheus.CounterValue,
					float64(counts[status]), status,
				)
			}
		}
	}

	// Uptime.
	ch <- prometheus.MustNewConstMetric(
		c.uptimeDesc, prometheus.GaugeValue,
		time.Since(c.startTime).Seconds(),
	)
}
