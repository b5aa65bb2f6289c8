// Package game holds the pure bingo rules: card grids, winning patterns and
// the session state machine.  Nothing here touches storage, so the same
// functions back both the manual card check and session completion.
package game

import (
	"encoding/json"
	"fmt"
	"math/rand/v2"
)

// Size is the width and height of a bingo card.
const Size = 5

// Free marks the centre cell, which counts as covered from the first call.
const Free = 0

// DefaultMaxNumber is the classic 75-ball range.
const DefaultMaxNumber = 75

// Grid is a 5x5 card laid out row-major: Grid[row][col].  Column c draws
// from the c-th fifth of the number range (B, I, N, G, O).
type Grid [Size][Size]int

// ColumnRange returns the inclusive number range of column col.
func ColumnRange(col, maxNumber int) (lo, hi int) {
	span := maxNumber / Size
	return col*span + 1, (col + 1) * span
}

// ValidateMaxNumber checks that a ball range can fill a card column.
func ValidateMaxNumber(maxNumber int) error {
	if maxNumber < 25 || maxNumber > 100 || maxNumber%Size != 0 {
		return fmt.Errorf("max number must be a multiple of 5 between 25 and 100, got %d", maxNumber)
	}
	return nil
}

// Validate checks the grid against the ball range: free centre, numbers in
// their column range and no repeats.
func (g Grid) Validate(maxNumber int) error {
	if err := ValidateMaxNumber(maxNumber); err != nil {
		return err
	}
	seen := make(map[int]struct{}, Size*Size)
	for r := 0; r < Size; r++ {
		for c := 0; c < Size; c++ {
			n := g[r][c]
			if r == 2 && c == 2 {
				if n != Free {
					return fmt.Errorf("centre cell must be free (0), got %d", n)
				}
				continue
			}
			lo, hi := ColumnRange(c, maxNumber)
			if n < lo || n > hi {
				return fmt.Errorf("cell [%d][%d]=%d outside column range %d-%d", r, c, n, lo, hi)
			}
			if _, dup := seen[n]; dup {
				return fmt.Errorf("number %d appears more than once", n)
			}
			seen[n] = struct{}{}
		}
	}
	return nil
}

// Numbers returns the non-free numbers on the card.
func (g Grid) Numbers() []int {
	out := make([]int, 0, Size*Size-1)
	for r := 0; r < Size; r++ {
		for c := 0; c < Size; c++ {
			if g[r][c] != Free {
				out = append(out, g[r][c])
			}
		}
	}
	return out
}

// Marks reports which cells are covered by the called numbers.
func (g Grid) Marks(called []int) [Size][Size]bool {
	set := make(map[int]struct{}, len(called))
	for _, n := range called {
		set[n] = struct{}{}
	}
	var m [Size][Size]bool
	for r := 0; r < Size; r++ {
		for c := 0; c < Size; c++ {
			if g[r][c] == Free {
				m[r][c] = true
				continue
			}
			_, m[r][c] = set[g[r][c]]
		}
	}
	return m
}

// GenerateGrid draws a random valid card for the given range.
func GenerateGrid(maxNumber int, rnd *rand.Rand) (Grid, error) {
	if err := ValidateMaxNumber(maxNumber); err != nil {
		return Grid{}, err
	}
	if rnd == nil {
		rnd = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	var g Grid
	span := maxNumber / Size
	for c := 0; c < Size; c++ {
		lo, _ := ColumnRange(c, maxNumber)
		perm := rnd.Perm(span)
		for r := 0; r < Size; r++ {
			g[r][c] = lo + perm[r]
		}
	}
	g[2][2] = Free
	return g, nil
}

// ParseGrid decodes a stored card_data document.
func ParseGrid(raw []byte) (Grid, error) {
	var g Grid
	if err := json.Unmarshal(raw, &g); err != nil {
		return Grid{}, fmt.Errorf("decode card grid: %w", err)
	}
	return g, nil
}
