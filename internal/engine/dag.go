package engine

import (
	"github.com/shaiso/Flowline/internal/flowdef"
)

// Graph — статический граф переходов flow.
//
// Узлы хранятся в порядке документа: сначала action set'ы, затем rule set'ы.
type Graph struct {
	order []string
	edges map[string][]string
}

// NewGraph создаёт пустой граф.
func NewGraph() *Graph {
	return &Graph{edges: make(map[string][]string)}
}

// AddNode добавляет узел с исходящими рёбрами.
// Пустые назначения пропускаются.
func (g *Graph) AddNode(uuid string, destinations ...string) {
	if _, exists := g.edges[uuid]; !exists {
		g.order = append(g.order, uuid)
	}
	out := g.edges[uuid]
	for _, dest := range destinations {
		if dest != "" {
			out = append(out, dest)
		}
	}
	g.edges[uuid] = out
}

// Size возвращает количество узлов.
func (g *Graph) Size() int {
	return len(g.order)
}

// Edges возвращает исходящие рёбра узла.
func (g *Graph) Edges(uuid string) []string {
	return g.edges[uuid]
}

// BuildGraph строит граф из определения.
//
// Wait rule set'ы не имеют исходящих рёбер: выполнение на них
// останавливается, поэтому цикл через них допустим.
func BuildGraph(def *flowdef.Definition) *Graph {
	g := NewGraph()
	for _, as := range def.ActionSets {
		g.AddNode(as.UUID, as.Destination)
	}
	for _, rs := range def.RuleSets {
		if rs.IsWait() {
			g.AddNode(rs.UUID)
			continue
		}
		dests := make([]string, 0, len(rs.Rules))
		for _, rule := range rs.Rules {
			dests = append(dests, rule.Destination)
		}
		g.AddNode(rs.UUID, dests...)
	}
	return g
}

// dfsFrame — кадр явного стека обхода.
type dfsFrame struct {
	node string
	next int
}

// FindCycle ищет цикл обходом в глубину с явным стеком.
//
// Обход стартует из каждого узла в порядке документа, а не только из
// entry: изолированные циклы тоже дефект. Возвращает путь от первого
// вхождения повторённого узла до повтора включительно или nil.
func (g *Graph) FindCycle() []string {
	visited := make(map[string]bool, len(g.order))

	for _, start := range g.order {
		if visited[start] {
			continue
		}

		var (
			stack  = []dfsFrame{{node: start}}
			path   = []string{start}
			onPath = map[string]int{start: 0}
		)
		visited[start] = true

		for len(stack) > 0 {
			top := &stack[len(stack)-1]
			edges := g.edges[top.node]

			if top.next >= len(edges) {
				// все рёбра узла обойдены
				delete(onPath, top.node)
				path = path[:len(path)-1]
				stack = stack[:len(stack)-1]
				continue
			}

			next := edges[top.next]
			top.next++

			if i, ok := onPath[next]; ok {
				cycle := make([]string, 0, len(path)-i+1)
				cycle = append(cycle, path[i:]...)
				return append(cycle, next)
			}
			if visited[next] {
				continue
			}
			if _, known := g.edges[next]; !known {
				// висячее назначение: flow здесь заканчивается
				continue
			}

			visited[next] = true
			onPath[next] = len(path)
			path = append(path, next)
			stack = append(stack, dfsFrame{node: next})
		}
	}
	return nil
}

// DetectInvalidCycles возвращает первый цикл, не проходящий через wait узел,
// или nil, если таких циклов нет.
func DetectInvalidCycles(def *flowdef.Definition) []string {
	return BuildGraph(def).FindCycle()
}

// CheckCycles возвращает *CycleError, если в определении есть недопустимый цикл.
func CheckCycles(def *flowdef.Definition) error {
	if cycle := DetectInvalidCycles(def); cycle != nil {
		return &CycleError{Path: cycle}
	}
	return nil
}

// PathTracker отслеживает узлы, посещённые за один проход интерпретатора.
//
// Повторное посещение узла до следующего ожидания ввода — runtime цикл.
type PathTracker struct {
	path []string
	seen map[string]bool
}

// NewPathTracker создаёт пустой трекер.
func NewPathTracker() *PathTracker {
	return &PathTracker{seen: make(map[string]bool)}
}

// Visit отмечает посещение узла. Возвращает *CycleError при повторе.
func (t *PathTracker) Visit(nodeUUID string) error {
	t.path = append(t.path, nodeUUID)
	if t.seen[nodeUUID] {
		start := 0
		for i, n := range t.path {
			if n == nodeUUID {
				start = i
				break
			}
		}
		return &CycleError{Path: append([]string(nil), t.path[start:]...), Runtime: true}
	}
	t.seen[nodeUUID] = true
	return nil
}

// Reset очищает путь: после ожидания ввода каждый ход получает новый бюджет.
func (t *PathTracker) Reset() {
	t.path = t.path[:0]
	clear(t.seen)
}

// Path возвращает посещённые узлы текущего прохода.
func (t *PathTracker) Path() []string {
	return t.path
}
