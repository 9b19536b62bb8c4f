// Package joingraph resolves the join tree connecting the cubes a query
// touches.
//
// Joins declared on cubes form a directed graph. For a set of hints (single
// cubes or ordered cube paths) BuildJoin tries every hint as the root and
// greedily covers the remaining cubes with shortest directed paths, keeping
// the tree with the fewest joins.
package joingraph

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/leapstack-labs/leapcube/pkg/core"
	"github.com/leapstack-labs/leapcube/pkg/model"
)

// Hint is one cube, or an ordered path of cubes that must be joined in
// sequence (for example the join_path of a view).
type Hint []string

// Cube returns the last cube of the hint.
func (h Hint) Cube() string { return h[len(h)-1] }

// IsPath reports whether the hint names more than one cube.
func (h Hint) IsPath() bool { return len(h) > 1 }

func (h Hint) String() string { return strings.Join(h, ".") }

// Edge is a directed join between two cubes.
type Edge struct {
	From string
	To   string
	Join *model.Join
}

// Relationship returns the normalized relationship of the join.
func (e *Edge) Relationship() string { return e.Join.Relationship }

func (e *Edge) String() string { return e.From + " -> " + e.To }

// Tree is a resolved join tree. Joins are ordered so that every edge starts
// at a cube already present in the tree.
type Tree struct {
	Root  string
	Joins []*Edge
	// Multiplied marks requested cubes whose rows fan out through a
	// hasMany or belongsTo edge somewhere in the tree.
	Multiplied map[string]bool
}

// Cubes returns the root followed by every joined cube in join order.
func (t *Tree) Cubes() []string {
	out := []string{t.Root}
	for _, j := range t.Joins {
		out = append(out, j.To)
	}
	return out
}

// Contains reports whether cube is part of the tree.
func (t *Tree) Contains(cube string) bool {
	if t.Root == cube {
		return true
	}
	for _, j := range t.Joins {
		if j.To == cube {
			return true
		}
	}
	return false
}

// IsMultiplied reports whether the cube's rows are multiplied by the tree.
func (t *Tree) IsMultiplied(cube string) bool { return t.Multiplied[cube] }

// PathTo returns the cubes leading from the root to cube, both included,
// or nil when cube is not part of the tree.
func (t *Tree) PathTo(cube string) []string {
	if cube == t.Root {
		return []string{cube}
	}
	for _, j := range t.Joins {
		if j.To != cube {
			continue
		}
		if p := t.PathTo(j.From); p != nil {
			return append(p, cube)
		}
	}
	return nil
}

func (t *Tree) String() string {
	var sb strings.Builder
	sb.WriteString(t.Root)
	for _, j := range t.Joins {
		fmt.Fprintf(&sb, "\n  %s -> %s (%s)", j.From, j.To, j.Relationship())
	}
	return sb.String()
}

// Graph is the compiled join graph of a model. It is safe for concurrent
// use; built trees are cached per hint list.
type Graph struct {
	model  *model.Model
	logger *slog.Logger

	edges      map[string]*Edge    // "from-to"
	adjacency  map[string][]string // directed, declaration order
	undirected map[string][]string

	mu    sync.RWMutex
	cache map[string]*Tree
}

// New compiles the join graph of m. Joins to unknown cubes and joins on
// cubes that aggregate without a primary key are reported together as a
// *core.ModelCompileError.
func New(m *model.Model, logger *slog.Logger) (*Graph, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	g := &Graph{
		model:      m,
		logger:     logger,
		edges:      make(map[string]*Edge),
		adjacency:  make(map[string][]string),
		undirected: make(map[string][]string),
		cache:      make(map[string]*Tree),
	}

	r := core.NewErrorReporter()
	for _, c := range m.Cubes() {
		if c.IsView {
			continue
		}
		cr := r.InContext(c.Name + " cube")
		for _, j := range c.Joins {
			target, ok := m.Cube(j.Name)
			if !ok || target.IsView {
				cr.Errorf("Cube %s doesn't exist", j.Name)
				continue
			}
			checkPrimaryKey(c, cr)
			checkPrimaryKey(target, cr)
			g.addEdge(&Edge{From: c.Name, To: target.Name, Join: j})
		}
	}
	if err := r.Err(); err != nil {
		return nil, err
	}
	logger.Debug("join graph compiled", slog.Int("edges", len(g.edges)))
	return g, nil
}

func checkPrimaryKey(c *model.Cube, r *core.ErrorReporter) {
	if len(c.PrimaryKeys) == 0 && c.HasAggregatingMeasures() {
		r.Errorf("primary key for '%s' is required when join is defined in order to make aggregates work properly", c.Name)
	}
}

func (g *Graph) addEdge(e *Edge) {
	key := e.From + "-" + e.To
	if _, dup := g.edges[key]; dup {
		return
	}
	g.edges[key] = e
	g.adjacency[e.From] = append(g.adjacency[e.From], e.To)
	g.undirected[e.From] = appendUnique(g.undirected[e.From], e.To)
	g.undirected[e.To] = appendUnique(g.undirected[e.To], e.From)
}

// Edge returns the join from one cube to another.
func (g *Graph) Edge(from, to string) (*Edge, bool) {
	e, ok := g.edges[from+"-"+to]
	return e, ok
}

// Edges returns every edge in declaration order.
func (g *Graph) Edges() []*Edge {
	var out []*Edge
	for _, c := range g.model.Cubes() {
		for _, to := range g.adjacency[c.Name] {
			out = append(out, g.edges[c.Name+"-"+to])
		}
	}
	return out
}

// BuildJoin resolves the join tree for hints. An empty hint list has no
// tree and returns nil.
func (g *Graph) BuildJoin(hints []Hint) (*Tree, error) {
	hints = dedupe(hints)
	if len(hints) == 0 {
		return nil, nil
	}
	key := cacheKey(hints)

	g.mu.RLock()
	tree, ok := g.cache[key]
	g.mu.RUnlock()
	if ok {
		return tree, nil
	}

	for _, h := range hints {
		if err := g.checkPath(h); err != nil {
			return nil, err
		}
	}

	var best *Tree
	for i, root := range hints {
		others := make([]Hint, 0, len(hints)-1)
		others = append(others, hints[:i]...)
		others = append(others, hints[i+1:]...)
		t := g.buildTree(root, others)
		if t == nil {
			continue
		}
		if best == nil || len(t.Joins) < len(best.Joins) {
			best = t
		}
	}
	if best == nil {
		names := make([]string, len(hints))
		for i, h := range hints {
			names[i] = "'" + h.String() + "'"
		}
		return nil, core.NewJoinResolutionError("Can't find join path to join %s", strings.Join(names, ", "))
	}

	best.Multiplied = make(map[string]bool, len(hints))
	for _, h := range hints {
		best.Multiplied[h.Cube()] = g.multiplied(h.Cube(), best.Joins)
	}

	g.mu.Lock()
	g.cache[key] = best
	g.mu.Unlock()

	g.logger.Debug("join tree built",
		slog.String("root", best.Root),
		slog.Int("joins", len(best.Joins)),
		slog.String("hints", key))
	return best, nil
}

// checkPath validates that a path hint is a loop-free chain of joins.
func (g *Graph) checkPath(h Hint) error {
	seen := make(map[string]bool, len(h))
	for i, c := range h {
		if seen[c] {
			return core.NewJoinResolutionError("potential loop detected in join path %s", strings.Join(h[:i+1], " -> "))
		}
		seen[c] = true
		if i == 0 {
			continue
		}
		if _, ok := g.Edge(h[i-1], c); !ok {
			return core.NewJoinResolutionError("join hint references unknown join '%s' -> '%s'", h[i-1], c)
		}
	}
	return nil
}

// buildTree grows a tree from root. Path hints that start at the root are
// followed edge by edge; every other cube is covered greedily by the
// shortest path from any cube already in the tree. Returns nil when some
// cube cannot be reached.
func (g *Graph) buildTree(root Hint, others []Hint) *Tree {
	start := root[0]
	tree := &Tree{Root: start}
	covered := []string{start}
	isCovered := map[string]bool{start: true}

	cover := func(e *Edge) {
		tree.Joins = append(tree.Joins, e)
		covered = append(covered, e.To)
		isCovered[e.To] = true
	}

	forced := append([]Hint{root}, others...)
	for _, h := range forced {
		if !h.IsPath() || h[0] != start {
			continue
		}
		for i := 1; i < len(h); i++ {
			if !isCovered[h[i]] {
				cover(g.edges[h[i-1]+"-"+h[i]])
			}
		}
	}

	var targets []string
	seenTarget := make(map[string]bool)
	addTarget := func(c string) {
		if !isCovered[c] && !seenTarget[c] {
			seenTarget[c] = true
			targets = append(targets, c)
		}
	}
	for _, c := range root[1:] {
		addTarget(c)
	}
	for _, h := range others {
		for _, c := range h {
			addTarget(c)
		}
	}

	for len(targets) > 0 {
		var bestPath []string
		for _, from := range covered {
			for _, to := range targets {
				p := g.shortestPath(from, to)
				if p == nil {
					continue
				}
				if bestPath == nil || len(p) < len(bestPath) {
					bestPath = p
				}
			}
		}
		if bestPath == nil {
			return nil
		}

		// skip the prefix already in the tree
		first := 0
		for first+1 < len(bestPath) && isCovered[bestPath[first+1]] {
			first++
		}
		for i := first; i+1 < len(bestPath); i++ {
			if !isCovered[bestPath[i+1]] {
				cover(g.edges[bestPath[i]+"-"+bestPath[i+1]])
			}
		}

		remaining := targets[:0]
		for _, c := range targets {
			if !isCovered[c] {
				remaining = append(remaining, c)
			}
		}
		targets = remaining
	}
	return tree
}

// shortestPath runs a BFS over outgoing joins in declaration order and
// returns the node sequence from src to dst, or nil when dst is
// unreachable.
func (g *Graph) shortestPath(src, dst string) []string {
	if src == dst {
		return []string{src}
	}
	parent := map[string]string{src: ""}
	queue := []string{src}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, next := range g.adjacency[cur] {
			if _, seen := parent[next]; seen {
				continue
			}
			parent[next] = cur
			if next == dst {
				var path []string
				for n := dst; n != ""; n = parent[n] {
					path = append(path, n)
				}
				for i, j := 0, len(path)-1; i < j; i, j = i+1, j-1 {
					path[i], path[j] = path[j], path[i]
				}
				return path
			}
			queue = append(queue, next)
		}
	}
	return nil
}

// multiplied walks the tree from cube and reports whether any edge fans
// out rows when seen from the cube it is entered from.
func (g *Graph) multiplied(cube string, joins []*Edge) bool {
	visited := make(map[string]bool)
	var walk func(cur string) bool
	walk = func(cur string) bool {
		if visited[cur] {
			return false
		}
		visited[cur] = true
		var next []*Edge
		for _, j := range joins {
			if j.From == cur || j.To == cur {
				next = append(next, j)
			}
		}
		other := func(j *Edge) string {
			if j.From == cur {
				return j.To
			}
			return j.From
		}
		for _, j := range next {
			if fansOut(cur, j) && !visited[other(j)] {
				return true
			}
		}
		for _, j := range next {
			if walk(other(j)) {
				return true
			}
		}
		return false
	}
	return walk(cube)
}

func fansOut(cube string, j *Edge) bool {
	rel := j.Relationship()
	return (j.From == cube && rel == model.HasMany) || (j.To == cube && rel == model.BelongsTo)
}

// ConnectedComponents assigns a component id, starting at 1, to every cube
// over the undirected join graph. Views are left out.
func (g *Graph) ConnectedComponents() map[string]int {
	out := make(map[string]int)
	next := 0
	for _, c := range g.model.Cubes() {
		if c.IsView {
			continue
		}
		if _, done := out[c.Name]; done {
			continue
		}
		next++
		stack := []string{c.Name}
		for len(stack) > 0 {
			cur := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			if _, done := out[cur]; done {
				continue
			}
			out[cur] = next
			stack = append(stack, g.undirected[cur]...)
		}
	}
	return out
}

func dedupe(hints []Hint) []Hint {
	seen := make(map[string]bool, len(hints))
	out := make([]Hint, 0, len(hints))
	for _, h := range hints {
		if len(h) == 0 {
			continue
		}
		k := h.String()
		if seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, h)
	}
	return out
}

func cacheKey(hints []Hint) string {
	parts := make([]string, len(hints))
	for i, h := range hints {
		parts[i] = h.String()
	}
	return strings.Join(parts, "|")
}

func appendUnique(s []string, v string) []string {
	for _, x := range s {
		if x == v {
			return s
		}
	}
	return append(s, v)
}
