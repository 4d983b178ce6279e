package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/volley-project/volley/internal/netgame"
)

// Namespace prefixes every volley metric.
const Namespace = "volley"

// Metrics exports transport and simulation counters to Prometheus. It
// implements network.Observer.
type Metrics struct {
	packetsSent     prometheus.Counter
	bytesSent       prometheus.Counter
	packetsReceived prometheus.Counter
	bytesReceived   prometheus.Counter
	packetsLost     prometheus.Counter
	packetsDropped  *prometheus.CounterVec
	messagesDropped *prometheus.CounterVec
	rtt             prometheus.Histogram

	peers           prometheus.Gauge
	players         prometheus.Gauge
	dynamicEntities prometheus.Gauge
	updateRate      prometheus.Gauge
	netRate         prometheus.Gauge
}

// NewMetrics registers the volley metrics with reg. A nil reg uses the
// default registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		packetsSent: factory.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "net",
			Name:      "packets_sent_total",
			Help:      "Datagrams written to the game socket",
		}),
		bytesSent: factory.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "net",
			Name:      "sent_bytes_total",
			Help:      "Bytes written to the game socket",
		}),
		packetsReceived: factory.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "net",
			Name:      "packets_received_total",
			Help:      "Datagrams accepted from connected peers",
		}),
		bytesReceived: factory.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "net",
			Name:      "received_bytes_total",
			Help:      "Bytes accepted from connected peers",
		}),
		packetsLost: factory.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "net",
			Name:      "packets_lost_total",
			Help:      "Sent packets never acknowledged",
		}),
		packetsDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "net",
			Name:      "packets_dropped_total",
			Help:      "Inbound datagrams discarded before dispatch",
		}, []string{"reason"}),
		messagesDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "net",
			Name:      "messages_dropped_total",
			Help:      "Inbound messages discarded by the dispatcher",
		}, []string{"reason"}),
		rtt: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: Namespace,
			Subsystem: "net",
			Name:      "rtt_milliseconds",
			Help:      "Round trip time samples",
			Buckets:   []float64{5, 10, 25, 50, 75, 100, 150, 200, 300, 500, 1000},
		}),

		peers: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: "server",
			Name:      "connected_peers",
			Help:      "Peers with a live connection",
		}),
		players: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: "server",
			Name:      "players",
			Help:      "Player entities in the world",
		}),
		dynamicEntities: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: "server",
			Name:      "dynamic_entities",
			Help:      "Dynamic entities in the world",
		}),
		updateRate: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: "server",
			Name:      "updates_per_second",
			Help:      "Measured simulation steps per second",
		}),
		netRate: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: "server",
			Name:      "net_updates_per_second",
			Help:      "Measured snapshot rounds per second",
		}),
	}
}

func (m *Metrics) PacketSent(bytes int) {
	m.packetsSent.Inc()
	m.bytesSent.Add(float64(bytes))
}

func (m *Metrics) PacketReceived(bytes int) {
	m.packetsReceived.Inc()
	m.bytesReceived.Add(float64(bytes))
}

func (m *Metrics) PacketLost() { m.packetsLost.Inc() }

func (m *Metrics) PacketDropped(reason string) { m.packetsDropped.WithLabelValues(reason).Inc() }

func (m *Metrics) MessageDropped(reason string) { m.messagesDropped.WithLabelValues(reason).Inc() }

func (m *Metrics) RTT(ms float64) { m.rtt.Observe(ms) }

// ObserveServer copies the latest server status into the gauges.
func (m *Metrics) ObserveServer(s netgame.Status, peers int) {
	m.peers.Set(float64(peers))
	m.players.Set(float64(s.Players))
	m.dynamicEntities.Set(float64(s.DynamicEntities))
	m.updateRate.Set(s.UpdatesPerSecond)
	m.netRate.Set(s.NetPerSecond)
}
