package frigate

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var pollRequests = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "frigate_poll_requests_total",
	Help: "The number of event list requests made by the poller by status",
}, []string{"status"})

var polledEvents = promauto.NewCounter(prometheus.CounterOpts{
	Name: "frigate_polled_events_total",
	Help: "The number of events returned by the event list endpoint",
})

var wsMessages = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "frigate_ws_messages_total",
	Help: "The number of websocket messages received by topic",
}, []string{"topic"})

var wsConnects = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "frigate_ws_connects_total",
	Help: "The number of websocket connection attempts by result",
}, []string{"result"})
