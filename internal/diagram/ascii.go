package diagram

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

const (
	solidArrow  = "─→"
	dashedArrow = "┄→"
	boxGap      = "  "
)

var asciiTags = map[string]string{
	"completed": "[OK]",
	"failed":    "[FAIL]",
	"running":   "[RUN]",
	"paused":    "[WAIT]",
}

// RenderASCII draws the model for a terminal: the levels as rows of boxes
// joined by arrows, then every edge, then the steps inside containers.
func RenderASCII(model *DiagramModel) string {
	w := &asciiWriter{model: model}
	w.header()
	for i, level := range model.Levels {
		boxes := w.levelBoxes(level)
		w.row(boxes)
		if i < len(model.Levels)-1 {
			w.arrows(boxes)
		}
	}
	w.edgeList()
	w.containers()
	return w.b.String()
}

type asciiWriter struct {
	b     strings.Builder
	model *DiagramModel
}

func (w *asciiWriter) header() {
	if w.model.Title != "" {
		fmt.Fprintf(&w.b, "=== %s ===\n", w.model.Title)
	}
	if s := w.model.Session; s != nil {
		fmt.Fprintf(&w.b, "session %s: %s", s.ID, s.Status)
		if s.LastError != "" {
			fmt.Fprintf(&w.b, " (%s)", s.LastError)
		}
		w.b.WriteByte('\n')
	}
	w.b.WriteByte('\n')
}

func (w *asciiWriter) levelBoxes(ids []string) []textBox {
	boxes := make([]textBox, 0, len(ids))
	for _, id := range ids {
		if n := findNode(w.model.Nodes, id); n != nil {
			boxes = append(boxes, nodeBox(n))
		}
	}
	return boxes
}

// row prints boxes side by side, bottom-padding the shorter ones.
func (w *asciiWriter) row(boxes []textBox) {
	height := 0
	for _, bx := range boxes {
		height = max(height, len(bx.lines))
	}
	for r := range height {
		cells := make([]string, len(boxes))
		for i, bx := range boxes {
			cells[i] = bx.line(r)
		}
		w.b.WriteString(strings.TrimRight(strings.Join(cells, boxGap), " "))
		w.b.WriteByte('\n')
	}
}

// arrows puts a down arrow under the middle of each box.
func (w *asciiWriter) arrows(boxes []textBox) {
	if len(boxes) == 0 {
		return
	}
	for _, glyph := range []string{"│", "▼"} {
		cells := make([]string, len(boxes))
		for i, bx := range boxes {
			mid := bx.width / 2
			cells[i] = strings.Repeat(" ", mid) + glyph + strings.Repeat(" ", bx.width-mid-1)
		}
		w.b.WriteString(strings.TrimRight(strings.Join(cells, boxGap), " "))
		w.b.WriteByte('\n')
	}
}

func (w *asciiWriter) edgeList() {
	w.b.WriteString("\n--- edges ---\n")
	for _, e := range w.model.Edges {
		arrow := solidArrow
		if e.Dashed {
			arrow = dashedArrow
		}
		fmt.Fprintf(&w.b, "  %s %s %s%s\n", w.name(e.From), arrow, w.name(e.To), edgeSuffix(e.Label))
	}
}

func (w *asciiWriter) containers() {
	for _, n := range w.model.Nodes {
		if len(n.Children) == 0 {
			continue
		}
		fmt.Fprintf(&w.b, "\n--- %s sub-steps ---\n", n.ID)
		for _, sg := range n.Children {
			fmt.Fprintf(&w.b, "  [%s]\n", sg.Label)
			for _, c := range sg.Nodes {
				line := firstLine(c.Label)
				if c.Status != nil {
					if tag := asciiTags[c.Status.Status]; tag != "" {
						line += " " + tag
					}
				}
				fmt.Fprintf(&w.b, "    %s\n", line)
			}
			for _, e := range sg.Edges {
				fmt.Fprintf(&w.b, "    %s %s %s%s\n", lastSegment(e.From), solidArrow, lastSegment(e.To), edgeSuffix(e.Label))
			}
		}
	}
}

// name prints the virtual Start, End and Failed nodes by their label.
func (w *asciiWriter) name(id string) string {
	if n := findNode(w.model.Nodes, id); n != nil {
		switch n.Kind {
		case NodeKindStart, NodeKindEnd, NodeKindFailed:
			return n.Label
		}
	}
	return id
}

func edgeSuffix(label string) string {
	if label == "" {
		return ""
	}
	return " [" + label + "]"
}

type textBox struct {
	lines []string
	width int
}

func (bx textBox) line(r int) string {
	if r < len(bx.lines) {
		return bx.lines[r]
	}
	return strings.Repeat(" ", bx.width)
}

func nodeBox(n *Node) textBox {
	content := []string{firstLine(n.Label)}
	if st := n.Status; st != nil {
		if tag := asciiTags[st.Status]; tag != "" {
			content = append(content, tag)
		}
		if st.DurationMs > 0 {
			content = append(content, fmt.Sprintf("%dms", st.DurationMs))
		}
		if st.Runs > 1 {
			content = append(content, fmt.Sprintf("x%d", st.Runs))
		}
	}

	inner := 0
	for _, c := range content {
		inner = max(inner, utf8.RuneCountInString(c))
	}
	bar := strings.Repeat("─", inner+2)
	lines := make([]string, 0, len(content)+2)
	lines = append(lines, "┌"+bar+"┐")
	for _, c := range content {
		lines = append(lines, "│ "+c+strings.Repeat(" ", inner-utf8.RuneCountInString(c))+" │")
	}
	lines = append(lines, "└"+bar+"┘")
	return textBox{lines: lines, width: inner + 4}
}

func firstLine(s string) string {
	head, _, _ := strings.Cut(s, "\n")
	return head
}

// lastSegment strips the container prefix of a child id.
func lastSegment(id string) string {
	return id[strings.LastIndexByte(id, '.')+1:]
}

func findNode(nodes []*Node, id string) *Node {
	for _, n := range nodes {
		if n.ID == id {
			return n
		}
	}
	return nil
}
