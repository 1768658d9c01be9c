package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "callsignal"

// Prometheus implements port.Metrics on a private registry.
type Prometheus struct {
	reg *prometheus.Registry

	activeCalls    prometheus.Gauge
	activePeers    prometheus.Gauge
	joinsRejected  *prometheus.CounterVec
	relayed        *prometheus.CounterVec
	deliveryFailed prometheus.Counter
	evicted        prometheus.Counter
}

func NewPrometheus() *Prometheus {
	p := &Prometheus{
		reg: prometheus.NewRegistry(),
		activeCalls: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_calls",
			Help:      "Calls with at least one registered peer.",
		}),
		activePeers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_peers",
			Help:      "Registered peer connections across all calls.",
		}),
		joinsRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "joins_rejected_total",
			Help:      "Registrations refused, by reason.",
		}, []string{"reason"}),
		relayed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_relayed_total",
			Help:      "Client messages relayed, by kind.",
		}, []string{"kind"}),
		deliveryFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "delivery_failures_total",
			Help:      "Writes to a peer that failed and caused its removal.",
		}),
		evicted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "peers_evicted_total",
			Help:      "Peers removed by the heartbeat probe.",
		}),
	}
	p.reg.MustRegister(
		p.activeCalls,
		p.activePeers,
		p.joinsRejected,
		p.relayed,
		p.deliveryFailed,
		p.evicted,
		collectors.NewGoCollector(),
	)
	return p
}

func (p *Prometheus) Registry() *prometheus.Registry {
	return p.reg
}

func (p *Prometheus) Handler() http.Handler {
	return promhttp.HandlerFor(p.reg, promhttp.HandlerOpts{})
}

func (p *Prometheus) CallOpened()                { p.activeCalls.Inc() }
func (p *Prometheus) CallClosed()                { p.activeCalls.Dec() }
func (p *Prometheus) PeerJoined()                { p.activePeers.Inc() }
func (p *Prometheus) PeerLeft()                  { p.activePeers.Dec() }
func (p *Prometheus) JoinRejected(reason string) { p.joinsRejected.WithLabelValues(reason).Inc() }
func (p *Prometheus) MessageRelayed(kind string) { p.relayed.WithLabelValues(kind).Inc() }
func (p *Prometheus) DeliveryFailed()            { p.deliveryFailed.Inc() }
func (p *Prometheus) PeersEvicted(n int)         { p.evicted.Add(float64(n)) }
