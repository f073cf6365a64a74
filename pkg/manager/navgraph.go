package manager

import (
	"sync"

	"github.com/fenwick-labs/chromesession/pkg/safety"
)

// navGraphMaxNodes and navGraphMaxEdges bound the per-tab navigation
// graph: at most this many
// nodes and edges are retained, oldest pruned first on overflow.
const (
	navGraphMaxNodes = 200
	navGraphMaxEdges = 400
)

// NavNode is a visited-URL node; URL is always redacted (query and
// fragment stripped) before it is stored.
type NavNode struct {
	URL   string `json:"url"`
	Title string `json:"title,omitempty"`
}

// NavEdge is either an observed transition between two visited nodes,
// or a discovered-but-unvisited link affordance (From is the observed
// page, To the redacted link target, Discovered true).
type NavEdge struct {
	From       string `json:"from"`
	To         string `json:"to,omitempty"`
	Discovered bool   `json:"discovered,omitempty"`
}

// navGraph is a bounded directed graph over redacted URLs, one per tab.
type navGraph struct {
	mu        sync.Mutex
	nodes     []NavNode
	nodeIndex map[string]int
	edges     []NavEdge
	lastURL   string
}

func newNavGraph() *navGraph {
	return &navGraph{nodeIndex: make(map[string]int)}
}

// observe records a visit to url (optionally titled), plus an edge from
// the previously observed URL, and any discovered-but-unvisited link
// targets. All URLs are redacted before storage.
func (g *navGraph) observe(rawURL, title string, linkEdges []string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	url := safety.Redact(rawURL)
	g.upsertNode(url, title)

	if g.lastURL != "" && g.lastURL != url {
		g.appendEdge(NavEdge{From: g.lastURL, To: url})
	}
	g.lastURL = url

	for _, link := range linkEdges {
		g.appendEdge(NavEdge{From: url, To: safety.Redact(link), Discovered: true})
	}
}

func (g *navGraph) upsertNode(url, title string) {
	if i, ok := g.nodeIndex[url]; ok {
		if title != "" {
			g.nodes[i].Title = title
		}
		return
	}
	if len(g.nodes) >= navGraphMaxNodes {
		g.pruneOldestNode()
	}
	g.nodes = append(g.nodes, NavNode{URL: url, Title: title})
	g.nodeIndex[url] = len(g.nodes) - 1
}

func (g *navGraph) pruneOldestNode() {
	if len(g.nodes) == 0 {
		return
	}
	victim := g.nodes[0].URL
	g.nodes = g.nodes[1:]
	delete(g.nodeIndex, victim)
	for url, i := range g.nodeIndex {
		g.nodeIndex[url] = i - 1
	}
	kept := g.edges[:0]
	for _, e := range g.edges {
		if e.From != victim && e.To != victim {
			kept = append(kept, e)
		}
	}
	g.edges = kept
}

func (g *navGraph) appendEdge(e NavEdge) {
	if len(g.edges) >= navGraphMaxEdges {
		g.edges = g.edges[1:]
	}
	g.edges = append(g.edges, e)
}

// View is the bounded snapshot returned by get_nav_graph_view.
type View struct {
	Nodes []NavNode `json:"nodes"`
	Edges []NavEdge `json:"edges"`
}

func (g *navGraph) view(nodeLimit, edgeLimit int) View {
	g.mu.Lock()
	defer g.mu.Unlock()

	nodes := g.nodes
	if nodeLimit > 0 && len(nodes) > nodeLimit {
		nodes = nodes[len(nodes)-nodeLimit:]
	}
	edges := g.edges
	if edgeLimit > 0 && len(edges) > edgeLimit {
		edges = edges[len(edges)-edgeLimit:]
	}
	out := View{Nodes: make([]NavNode, len(nodes)), Edges: make([]NavEdge, len(edges))}
	copy(out.Nodes, nodes)
	copy(out.Edges, edges)
	return out
}
