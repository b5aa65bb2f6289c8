package game

import (
	"fmt"
	"strings"
)

// Pattern names a predicate over card cells.
type Pattern string

const (
	PatternSingleLine  Pattern = "single_line"
	PatternFourCorners Pattern = "four_corners"
	PatternX           Pattern = "x_pattern"
	PatternBlackout    Pattern = "blackout"
)

var patternAliases = map[string]Pattern{
	"single_line":  PatternSingleLine,
	"line":         PatternSingleLine,
	"four_corners": PatternFourCorners,
	"corners":      PatternFourCorners,
	"x_pattern":    PatternX,
	"x":            PatternX,
	"blackout":     PatternBlackout,
	"full_card":    PatternBlackout,
	"coverall":     PatternBlackout,
}

// Patterns lists the canonical pattern names.
func Patterns() []Pattern {
	return []Pattern{PatternSingleLine, PatternFourCorners, PatternX, PatternBlackout}
}

// ParsePattern normalises a user-supplied pattern name.
func ParsePattern(name string) (Pattern, error) {
	key := strings.ToLower(strings.TrimSpace(name))
	key = strings.NewReplacer("-", "_", " ", "_").Replace(key)
	if p, ok := patternAliases[key]; ok {
		return p, nil
	}
	return "", fmt.Errorf("unknown winning pattern %q", name)
}

type cell struct{ r, c int }

// lines returns every row, column and diagonal.
func lines() [][]cell {
	out := make([][]cell, 0, 2*Size+2)
	for i := 0; i < Size; i++ {
		row := make([]cell, Size)
		col := make([]cell, Size)
		for j := 0; j < Size; j++ {
			row[j] = cell{i, j}
			col[j] = cell{j, i}
		}
		out = append(out, row, col)
	}
	diag := make([]cell, Size)
	anti := make([]cell, Size)
	for i := 0; i < Size; i++ {
		diag[i] = cell{i, i}
		anti[i] = cell{i, Size - 1 - i}
	}
	return append(out, diag, anti)
}

// requirements returns the alternative cell sets that satisfy p; the card
// wins when any one set is fully covered.
func (p Pattern) requirements() [][]cell {
	switch p {
	case PatternSingleLine:
		return lines()
	case PatternFourCorners:
		return [][]cell{{{0, 0}, {0, Size - 1}, {Size - 1, 0}, {Size - 1, Size - 1}}}
	case PatternX:
		ls := lines()
		return [][]cell{append(append([]cell{}, ls[len(ls)-2]...), ls[len(ls)-1]...)}
	case PatternBlackout:
		all := make([]cell, 0, Size*Size)
		for r := 0; r < Size; r++ {
			for c := 0; c < Size; c++ {
				all = append(all, cell{r, c})
			}
		}
		return [][]cell{all}
	}
	return nil
}

// EvaluateWin reports whether every required cell of pattern is covered by
// a called number (or the free centre).  It is pure: the same inputs always
// yield the same answer.  Unknown patterns never win.
func EvaluateWin(g Grid, called []int, p Pattern) bool {
	marks := g.Marks(called)
	for _, set := range p.requirements() {
		covered := true
		for _, cl := range set {
			if !marks[cl.r][cl.c] {
				covered = false
				break
			}
		}
		if covered {
			return true
		}
	}
	return false
}
