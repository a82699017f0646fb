package coordinator

import "github.com/prometheus/client_golang/prometheus"

var (
	tasksAssignedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "drover_tasks_assigned_total",
		Help: "Total number of task assignments handed to clients.",
	})

	tasksCompletedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "drover_tasks_completed_total",
		Help: "Total number of tasks completed with a result.",
	})

	tasksReapedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "drover_tasks_reaped_total",
		Help: "Total number of tasks reclaimed from disconnected clients.",
	})

	tasksExpiredTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "drover_tasks_expired_total",
		Help: "Total number of tasks expired past their deadline.",
	})

	clientsConnected = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "drover_clients_connected",
		Help: "Number of fleet clients currently connected.",
	})
)

func init() {
	prometheus.MustRegister(tasksAssignedTotal)
	prometheus.MustRegister(tasksCompletedTotal)
	prometheus.MustRegister(tasksReapedTotal)
	prometheus.MustRegister(tasksExpiredTotal)
	prometheus.MustRegister(clientsConnected)
}
