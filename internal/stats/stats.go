package stats

import (
	"encoding/json"
	"expvar"
	"net/http"
	"time"
)

type StatsProvider interface {
	Incr(name string)
	Decr(name string)
	RegisterMetric(name string)
	Run()
}

// StatsUpdater aggregates client counters into an expvar map. Updates are
// funneled through a channel so the send and receive paths never block on
// expvar locks.
type StatsUpdater struct {
	vars       *expvar.Map
	updateChan chan *metricsUpdateReq
}

type metricsUpdateReq struct {
	name  string
	value int
}

// NewStatsUpdater creates a new stats updater instance. The expvar map is
// registered once per process.
func NewStatsUpdater() *StatsUpdater {
	su := &StatsUpdater{
		vars:       expvar.NewMap("baltek-chat-stats"),
		updateChan: make(chan *metricsUpdateReq, 512),
	}
	su.initializeMetrics()

	return su
}

func (su *StatsUpdater) initializeMetrics() {
	startTime := time.Now()
	su.vars.Set("UptimeMs", expvar.Func(func() any {
		return time.Since(startTime).Milliseconds()
	}))
}

// Handler serves the counters as flat JSON for binaries that expose a
// debug listener.
func (su *StatsUpdater) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		expvarData := make(map[string]any)
		su.vars.Do(func(kv expvar.KeyValue) {
			var value any
			json.Unmarshal([]byte(kv.Value.String()), &value)
			expvarData[kv.Key] = value
		})

		json.NewEncoder(w).Encode(expvarData)
	})
}

// Snapshot returns the current counter values for interactive display.
func (su *StatsUpdater) Snapshot() map[string]int64 {
	snap := make(map[string]int64)
	su.vars.Do(func(kv expvar.KeyValue) {
		if counter, ok := kv.Value.(*expvar.Int); ok {
			snap[kv.Key] = counter.Value()
		}
	})

	return snap
}

func (su *StatsUpdater) updateMetrics() {
	for req := range su.updateChan {
		metric := su.vars.Get(req.name)
		if metric == nil {
			panic("metric not found: " + req.name)
		}

		metric.(*expvar.Int).Add(int64(req.value))
	}
}

func (su *StatsUpdater) Incr(name string) {
	su.updateChan <- &metricsUpdateReq{name: name, value: 1}
}

func (su *StatsUpdater) Decr(name string) {
	su.updateChan <- &metricsUpdateReq{name: name, value: -1}
}

func (su *StatsUpdater) RegisterMetric(name string) {
	su.vars.Set(name, expvar.NewInt(name))
}

func (su *StatsUpdater) Run() {
	go su.updateMetrics()
}

func (su *StatsUpdater) Stop() {
	close(su.updateChan)
}
