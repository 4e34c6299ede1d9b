package main

import (
	"context"
	"log"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// RunMetrics logs a stats summary every interval until ctx is canceled.
// Ticks with no users, no deliveries and no errors log nothing.
func RunMetrics(ctx context.Context, srv *Server, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c := srv.st.snapshot()
			if c.NUsers > 0 || c.NDelivered > 0 || c.NErrors > 0 {
				log.Printf("[metrics] users=%d online=%d delivered=%d pending=%d files=%d errors=%d groups=%d queue=%d",
					c.NUsers, c.NOnline, c.NDelivered, c.NNotDelivered,
					c.NFileDelivered+c.NFileNotDelivered, c.NErrors, c.NGroups,
					srv.queue.len())
			}
		}
	}
}

// statsCollector exports the counter block as Prometheus gauges. It reads a
// snapshot on every scrape instead of double-booking counters at update
// sites.
type statsCollector struct {
	srv *Server

	users            *prometheus.Desc
	online           *prometheus.Desc
	delivered        *prometheus.Desc
	notDelivered     *prometheus.Desc
	fileDelivered    *prometheus.Desc
	fileNotDelivered *prometheus.Desc
	errors           *prometheus.Desc
	groups           *prometheus.Desc
	queueLen         *prometheus.Desc
}

func newStatsCollector(srv *Server) *statsCollector {
	d := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc("chatty_"+name, help, nil, nil)
	}
	return &statsCollector{
		srv:              srv,
		users:            d("users", "Registered users."),
		online:           d("online_users", "Currently connected users."),
		delivered:        d("messages_delivered_total", "Text messages delivered."),
		notDelivered:     d("messages_pending", "Text messages parked in histories."),
		fileDelivered:    d("files_delivered_total", "File notifications delivered."),
		fileNotDelivered: d("files_pending", "File notifications parked in histories."),
		errors:           d("errors_total", "Error replies sent."),
		groups:           d("groups", "Active groups."),
		queueLen:         d("ready_queue_length", "Descriptors waiting for a worker."),
	}
}

func (c *statsCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.users
	ch <- c.online
	ch <- c.delivered
	ch <- c.notDelivered
	ch <- c.fileDelivered
	ch <- c.fileNotDelivered
	ch <- c.errors
	ch <- c.groups
	ch <- c.queueLen
}

func (c *statsCollector) Collect(ch chan<- prometheus.Metric) {
	s := c.srv.st.snapshot()
	g := func(d *prometheus.Desc, v uint64) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.GaugeValue, float64(v))
	}
	g(c.users, s.NUsers)
	g(c.online, s.NOnline)
	g(c.delivered, s.NDelivered)
	g(c.notDelivered, s.NNotDelivered)
	g(c.fileDelivered, s.NFileDelivered)
	g(c.fileNotDelivered, s.NFileNotDelivered)
	g(c.errors, s.NErrors)
	g(c.groups, s.NGroups)
	ch <- prometheus.MustNewConstMetric(c.queueLen, prometheus.GaugeValue, float64(c.srv.queue.len()))
}
