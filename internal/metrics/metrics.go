package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	HeartbeatsSent = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "lanshare",
		Name:      "heartbeats_sent_total",
		Help:      "Heartbeat packets sent by mode and delivery.",
	}, []string{"mode", "delivery"})

	HeartbeatsReceived = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "lanshare",
		Name:      "heartbeats_received_total",
		Help:      "Heartbeat packets received by mode.",
	}, []string{"mode"})

	MalformedPackets = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "lanshare",
		Name:      "malformed_packets_total",
		Help:      "Discovery packets dropped because they could not be parsed.",
	})

	InstancesKnown = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "lanshare",
		Name:      "instances_known",
		Help:      "Number of remote instances currently in the registry.",
	})

	InstanceEvictions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "lanshare",
		Name:      "instance_evictions_total",
		Help:      "Remote instances evicted by reason.",
	}, []string{"reason"})

	ManifestsReceived = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "lanshare",
		Name:      "manifests_received_total",
		Help:      "File manifests merged from remote instances.",
	})

	ManifestPushes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "lanshare",
		Name:      "manifest_pushes_total",
		Help:      "Outgoing manifest pushes by result.",
	}, []string{"result"})

	ActiveJobs = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "lanshare",
		Name:      "active_jobs",
		Help:      "Running transfer jobs by direction.",
	}, []string{"direction"})

	TransferredBytes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "lanshare",
		Name:      "transferred_bytes_total",
		Help:      "File payload bytes moved by direction.",
	}, []string{"direction"})

	GateRejections = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "lanshare",
		Name:      "gate_rejections_total",
		Help:      "Inbound objects refused by the type gate, by reason.",
	}, []string{"reason"})
)

func Register(reg prometheus.Registerer) {
	reg.MustRegister(
		HeartbeatsSent,
		HeartbeatsReceived,
		MalformedPackets,
		InstancesKnown,
		InstanceEvictions,
		ManifestsReceived,
		ManifestPushes,
		ActiveJobs,
		TransferredBytes,
		GateRejections,
	)
}
