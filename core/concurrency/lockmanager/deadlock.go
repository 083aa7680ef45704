package lockmanager

import (
	"sort"
	"time"

	"github.com/hashicorp/go-hclog"
	"golang.org/x/sync/errgroup"

	"github.com/relicdb/enginecore/core/catalog"
	"github.com/relicdb/enginecore/core/txn"
)

// Edge is a directed waits-for edge: From waits on a resource currently
// held by To. Exported for LockManager.WaitsForEdges, a graph-introspection
// affordance for tests and diagnostics that want to assert on graph shape
// directly, independent of the detector's tick.
type Edge struct {
	From txn.ID
	To   txn.ID
}

// addEdge and removeEdge assume the caller holds waitsForMu (t1 -> t2
// means t1 waits on t2).
func (m *Manager) addEdge(t1, t2 txn.ID) {
	if m.waitsFor[t1] == nil {
		m.waitsFor[t1] = make(map[txn.ID]struct{})
	}
	m.waitsFor[t1][t2] = struct{}{}
}

func (m *Manager) removeEdge(t1, t2 txn.ID) {
	delete(m.waitsFor[t1], t2)
}

const (
	white = 0
	gray  = 1
	black = 2
)

// hasCycle runs DFS over the waits-for graph, iterating transactions in
// sorted id order for determinism. On a back-edge, it walks parent
// pointers around the cycle and returns the largest transaction id
// encountered, the designated victim. Assumes the caller holds waitsForMu.
func (m *Manager) hasCycle() (txn.ID, bool) {
	var ids []txn.ID
	for id := range m.waitsFor {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	color := make(map[txn.ID]int)
	parent := make(map[txn.ID]txn.ID)

	var victim txn.ID
	found := false

	var dfs func(s txn.ID) bool
	dfs = func(s txn.ID) bool {
		color[s] = gray
		var nexts []txn.ID
		for n := range m.waitsFor[s] {
			nexts = append(nexts, n)
		}
		sort.Slice(nexts, func(i, j int) bool { return nexts[i] < nexts[j] })
		for _, next := range nexts {
			if color[next] == black {
				continue
			}
			if color[next] == gray {
				maxTxn := s
				now := s
				for now != next {
					now = parent[now]
					if now > maxTxn {
						maxTxn = now
					}
				}
				victim = maxTxn
				found = true
				return true
			}
			parent[next] = s
			if dfs(next) {
				return true
			}
		}
		color[s] = black
		return false
	}

	for _, start := range ids {
		for id := range color {
			delete(color, id)
		}
		for id := range parent {
			delete(parent, id)
		}
		for _, id := range ids {
			color[id] = white
		}
		if dfs(start) {
			return victim, true
		}
	}
	return 0, found
}

// WaitsForEdges snapshots the current waits-for graph as an edge list, for
// tests and diagnostics that want to assert on graph shape directly. The
// edges are built from the table and row queues at the time of the call,
// under the same locks the detector takes.
func (m *Manager) WaitsForEdges() []Edge {
	_, tableEdges := m.buildTableEdges()
	_, rowEdges := m.buildRowEdges()
	edges := append(tableEdges, rowEdges...)
	sort.Slice(edges, func(i, j int) bool {
		if edges[i].From != edges[j].From {
			return edges[i].From < edges[j].From
		}
		return edges[i].To < edges[j].To
	})
	return edges
}

// resourceEdges is what one resource's queue contributes to the waits-for
// graph: every waiting transaction id, paired with every currently
// granted holder.
type resourceEdges struct {
	waiting []txn.ID
	granted []txn.ID
}

func snapshotQueue(q *queue) resourceEdges {
	q.mu.Lock()
	defer q.mu.Unlock()
	var re resourceEdges
	for _, r := range q.requests {
		if r.granted {
			re.granted = append(re.granted, r.txnID)
		} else {
			re.waiting = append(re.waiting, r.txnID)
		}
	}
	return re
}

// buildTableEdges scans every table resource queue and returns, per
// waiter, the table oid it is blocked on plus the (waiter, holder) edges
// to add.
func (m *Manager) buildTableEdges() (map[txn.ID]catalog.TableOID, []Edge) {
	m.tableMapMu.Lock()
	snapshot := make(map[catalog.TableOID]*queue, len(m.tableMap))
	for oid, q := range m.tableMap {
		snapshot[oid] = q
	}
	m.tableMapMu.Unlock()

	requesting := make(map[txn.ID]catalog.TableOID)
	var edges []Edge
	for oid, q := range snapshot {
		re := snapshotQueue(q)
		for _, w := range re.waiting {
			requesting[w] = oid
			for _, g := range re.granted {
				edges = append(edges, Edge{From: w, To: g})
			}
		}
	}
	return requesting, edges
}

// buildRowEdges is buildTableEdges' row-map counterpart.
func (m *Manager) buildRowEdges() (map[txn.ID]txn.RID, []Edge) {
	m.rowMapMu.Lock()
	snapshot := make(map[txn.RID]*queue, len(m.rowMap))
	for rid, q := range m.rowMap {
		snapshot[rid] = q
	}
	m.rowMapMu.Unlock()

	requesting := make(map[txn.ID]txn.RID)
	var edges []Edge
	for rid, q := range snapshot {
		re := snapshotQueue(q)
		for _, w := range re.waiting {
			requesting[w] = rid
			for _, g := range re.granted {
				edges = append(edges, Edge{From: w, To: g})
			}
		}
	}
	return requesting, edges
}

// Start launches the background deadlock detector, ticking at the
// interval passed to New, with the table-map and row-map graph
// construction fanned across two goroutines via errgroup.
func (m *Manager) Start() {
	if m.stop != nil {
		return
	}
	m.stop = make(chan struct{})
	m.stopped = make(chan struct{})
	diag := hclog.New(&hclog.LoggerOptions{Name: "deadlock-detector", Level: hclog.Info})

	go func() {
		defer close(m.stopped)
		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()
		for {
			select {
			case <-m.stop:
				return
			case <-ticker.C:
				m.detectOnce(diag)
			}
		}
	}()
}

// Stop signals the detector to exit and blocks until it has, so the
// detector is fully joined before shutdown proceeds.
func (m *Manager) Stop() {
	if m.stop == nil {
		return
	}
	close(m.stop)
	<-m.stopped
	m.stop = nil
}

func (m *Manager) detectOnce(diag hclog.Logger) {
	var tableRequesting map[txn.ID]catalog.TableOID
	var rowRequesting map[txn.ID]txn.RID
	var tableEdges, rowEdges []Edge

	var g errgroup.Group
	g.Go(func() error {
		tableRequesting, tableEdges = m.buildTableEdges()
		return nil
	})
	g.Go(func() error {
		rowRequesting, rowEdges = m.buildRowEdges()
		return nil
	})
	_ = g.Wait()

	m.waitsForMu.Lock()
	m.tableRequesting = tableRequesting
	m.rowRequesting = rowRequesting
	for _, e := range tableEdges {
		m.addEdge(e.From, e.To)
	}
	for _, e := range rowEdges {
		m.addEdge(e.From, e.To)
	}

	for {
		victim, ok := m.hasCycle()
		if !ok {
			break
		}
		diag.Warn("breaking deadlock", "victim", victim)
		m.m.Deadlocks.Inc()

		if t := m.lookup(victim); t != nil {
			t.SetState(txn.Aborted)
			m.m.Aborts.Inc()
		}

		var ends []txn.ID
		for to := range m.waitsFor[victim] {
			ends = append(ends, to)
		}
		for _, to := range ends {
			m.removeEdge(victim, to)
		}
		delete(m.waitsFor, victim)

		if oid, ok := m.tableRequesting[victim]; ok {
			delete(m.tableRequesting, victim)
			m.tableMapMu.Lock()
			q := m.tableMap[oid]
			m.tableMapMu.Unlock()
			if q != nil {
				q.cond.Broadcast()
			}
		}
		if rid, ok := m.rowRequesting[victim]; ok {
			delete(m.rowRequesting, victim)
			m.rowMapMu.Lock()
			q := m.rowMap[rid]
			m.rowMapMu.Unlock()
			if q != nil {
				q.cond.Broadcast()
			}
		}
	}

	m.waitsFor = make(map[txn.ID]map[txn.ID]struct{})
	m.tableRequesting = make(map[txn.ID]catalog.TableOID)
	m.rowRequesting = make(map[txn.ID]txn.RID)
	m.waitsForMu.Unlock()
}
