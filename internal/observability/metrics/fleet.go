package metrics

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

type chatKey struct {
	agent   string
	outcome string
}

type transferKey struct {
	from string
	to   string
}

type fleetCollector struct {
	mu        sync.Mutex
	chats     map[chatKey]uint64
	latency   map[string]*histogram
	transfers map[transferKey]uint64
	trainings map[chatKey]uint64
	crashes   map[string]uint64
	statuses  func() map[string]int
}

var fleetMetrics = newFleetCollector()

func newFleetCollector() *fleetCollector {
	return &fleetCollector{
		chats:     make(map[chatKey]uint64),
		latency:   make(map[string]*histogram),
		transfers: make(map[transferKey]uint64),
		trainings: make(map[chatKey]uint64),
		crashes:   make(map[string]uint64),
	}
}

// ObserveChat 记录一轮对话，outcome 为 ok 或错误码。
func ObserveChat(agent, outcome string, duration time.Duration) {
	c := fleetMetrics
	c.mu.Lock()
	defer c.mu.Unlock()
	c.chats[chatKey{agent: agent, outcome: outcome}]++
	hist := c.latency[agent]
	if hist == nil {
		hist = newHistogram(defaultBuckets)
		c.latency[agent] = hist
	}
	hist.observe(duration.Seconds())
}

// ObserveTransfer 记录一次会话转交。
func ObserveTransfer(from, to string) {
	c := fleetMetrics
	c.mu.Lock()
	c.transfers[transferKey{from: from, to: to}]++
	c.mu.Unlock()
}

// ObserveTraining 记录一次训练结果，outcome 为 ok、failed 或 cancelled。
func ObserveTraining(agent, outcome string) {
	c := fleetMetrics
	c.mu.Lock()
	c.trainings[chatKey{agent: agent, outcome: outcome}]++
	c.mu.Unlock()
}

// ObserveCrash 记录一次实例崩溃。
func ObserveCrash(agent string) {
	c := fleetMetrics
	c.mu.Lock()
	c.crashes[agent]++
	c.mu.Unlock()
}

// SetStatusSource 注册按状态统计智能体数量的函数，抓取时调用。
func SetStatusSource(fn func() map[string]int) {
	c := fleetMetrics
	c.mu.Lock()
	c.statuses = fn
	c.mu.Unlock()
}

func (c *fleetCollector) render(b *strings.Builder) {
	c.mu.Lock()
	statuses := c.statuses
	c.mu.Unlock()
	var counts map[string]int
	if statuses != nil {
		counts = statuses()
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	b.WriteString("# HELP agentfleet_chat_turns_total Chat turns routed to agents.\n")
	b.WriteString("# TYPE agentfleet_chat_turns_total counter\n")
	for _, key := range sortedPairs(c.chats, func(k chatKey) (string, string) { return k.agent, k.outcome }) {
		fmt.Fprintf(b, "agentfleet_chat_turns_total{agent=\"%s\",outcome=\"%s\"} %d\n",
			escape(key.agent), escape(key.outcome), c.chats[key])
	}

	b.WriteString("# HELP agentfleet_chat_duration_seconds Chat turn latency in seconds.\n")
	b.WriteString("# TYPE agentfleet_chat_duration_seconds histogram\n")
	for _, agent := range sortedKeys(c.latency) {
		c.latency[agent].render(b, "agentfleet_chat_duration_seconds", fmt.Sprintf("agent=\"%s\"", escape(agent)))
	}

	b.WriteString("# HELP agentfleet_transfers_total Conversation transfers between agents.\n")
	b.WriteString("# TYPE agentfleet_transfers_total counter\n")
	for _, key := range sortedPairs(c.transfers, func(k transferKey) (string, string) { return k.from, k.to }) {
		fmt.Fprintf(b, "agentfleet_transfers_total{from=\"%s\",to=\"%s\"} %d\n",
			escape(key.from), escape(key.to), c.transfers[key])
	}

	b.WriteString("# HELP agentfleet_trainings_total Training runs by outcome.\n")
	b.WriteString("# TYPE agentfleet_trainings_total counter\n")
	for _, key := range sortedPairs(c.trainings, func(k chatKey) (string, string) { return k.agent, k.outcome }) {
		fmt.Fprintf(b, "agentfleet_trainings_total{agent=\"%s\",outcome=\"%s\"} %d\n",
			escape(key.agent), escape(key.outcome), c.trainings[key])
	}

	b.WriteString("# HELP agentfleet_crashes_total Agent processes that exited unexpectedly.\n")
	b.WriteString("# TYPE agentfleet_crashes_total counter\n")
	for _, agent := range sortedKeys(c.crashes) {
		fmt.Fprintf(b, "agentfleet_crashes_total{agent=\"%s\"} %d\n", escape(agent), c.crashes[agent])
	}

	if counts != nil {
		b.WriteString("# HELP agentfleet_agents Agents by lifecycle status.\n")
		b.WriteString("# TYPE agentfleet_agents gauge\n")
		for _, status := range sortedKeys(counts) {
			fmt.Fprintf(b, "agentfleet_agents{status=\"%s\"} %d\n", escape(status), counts[status])
		}
	}
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func sortedPairs[K comparable, V any](m map[K]V, labels func(K) (string, string)) []K {
	keys := make([]K, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		a1, a2 := labels(keys[i])
		b1, b2 := labels(keys[j])
		if a1 == b1 {
			return a2 < b2
		}
		return a1 < b1
	})
	return keys
}
