package matcher

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/mat"
)

// solveAssignment finds the minimum-cost assignment of the smaller side of
// a rectangular cost matrix onto the larger, Jonker-Volgenant style: one
// shortest augmenting path per row, with dual potentials keeping reduced
// costs non-negative. Ties are broken toward the lowest column index by
// the strict-< scan below, so the result is reproducible for identical
// inputs.
//
// Arguments:
//   - cost: The (rows, cols) cost matrix. All entries must be finite.
//
// Returns:
//   - rows []int: Row indices of the matched pairs, ascending.
//   - cols []int: Column index matched to each row in rows.
func solveAssignment(cost *mat.Dense) (rows, cols []int) {
	nr, nc := cost.Dims()
	if nr == 0 || nc == 0 {
		return nil, nil
	}

	// The augmenting loop below assumes rows <= cols; transpose otherwise.
	transposed := nr > nc
	at := func(i, j int) float64 { return cost.At(i, j) }
	if transposed {
		nr, nc = nc, nr
		at = func(i, j int) float64 { return cost.At(j, i) }
	}

	u := make([]float64, nr) // row potentials
	v := make([]float64, nc) // column potentials
	col4row := make([]int, nr)
	row4col := make([]int, nc)
	for i := range col4row {
		col4row[i] = -1
	}
	for j := range row4col {
		row4col[j] = -1
	}

	shortest := make([]float64, nc)
	pathRow := make([]int, nc) // predecessor row on the shortest path to each column
	scannedRow := make([]bool, nr)
	scannedCol := make([]bool, nc)
	remaining := make([]int, nc)

	for curRow := 0; curRow < nr; curRow++ {
		for j := 0; j < nc; j++ {
			shortest[j] = math.Inf(1)
			remaining[j] = j
			scannedCol[j] = false
		}
		for i := 0; i < nr; i++ {
			scannedRow[i] = false
		}
		numRemaining := nc

		// Dijkstra over columns until an unassigned column is reached.
		minVal := 0.0
		i := curRow
		sink := -1
		for sink == -1 {
			scannedRow[i] = true
			index := -1
			lowest := math.Inf(1)
			for it := 0; it < numRemaining; it++ {
				j := remaining[it]
				r := minVal + at(i, j) - u[i] - v[j]
				if r < shortest[j] {
					pathRow[j] = i
					shortest[j] = r
				}
				// Strict < keeps the earliest-scanned column on ties, so
				// the result is reproducible; on a cost tie an unassigned
				// column still beats an assigned one to shorten the path.
				if shortest[j] < lowest ||
					(shortest[j] == lowest && row4col[j] == -1 && row4col[remaining[index]] != -1) {
					lowest = shortest[j]
					index = it
				}
			}
			minVal = lowest
			j := remaining[index]
			if row4col[j] == -1 {
				sink = j
			} else {
				i = row4col[j]
			}
			scannedCol[j] = true
			numRemaining--
			remaining[index] = remaining[numRemaining]
		}

		// Update the dual potentials along the scanned tree.
		u[curRow] += minVal
		for ip := 0; ip < nr; ip++ {
			if scannedRow[ip] && ip != curRow {
				u[ip] += minVal - shortest[col4row[ip]]
			}
		}
		for jp := 0; jp < nc; jp++ {
			if scannedCol[jp] {
				v[jp] -= minVal - shortest[jp]
			}
		}

		// Augment: flip the alternating path back to curRow.
		j := sink
		for {
			ip := pathRow[j]
			row4col[j] = ip
			col4row[ip], j = j, col4row[ip]
			if ip == curRow {
				break
			}
		}
	}

	rows = make([]int, nr)
	cols = make([]int, nr)
	for ip := 0; ip < nr; ip++ {
		rows[ip] = ip
		cols[ip] = col4row[ip]
	}
	if transposed {
		// rows/cols refer to the transposed matrix; swap back and re-sort
		// by the original row index.
		rows, cols = cols, rows
		sortPairs(rows, cols)
	}
	return rows, cols
}

// sortPairs sorts both slices in tandem by the first, ascending. The first
// slice holds distinct indices.
func sortPairs(a, b []int) {
	order := make([]int, len(a))
	for k := range order {
		order[k] = k
	}
	sort.Slice(order, func(x, y int) bool { return a[order[x]] < a[order[y]] })
	outA := make([]int, len(a))
	outB := make([]int, len(b))
	for k, o := range order {
		outA[k] = a[o]
		outB[k] = b[o]
	}
	copy(a, outA)
	copy(b, outB)
}
