package planner

// starTables maps bolt count to the 1-based tightening order. Consecutive
// entries jump across quadrants so neighbouring bolts are never tightened
// back to back.
var starTables = map[int][]int{
	4:  {1, 3, 2, 4},
	5:  {1, 3, 5, 2, 4},
	6:  {1, 4, 2, 5, 3, 6},
	8:  {1, 5, 3, 7, 2, 6, 4, 8},
	10: {1, 6, 3, 8, 5, 10, 2, 7, 4, 9},
	12: {1, 7, 4, 10, 2, 8, 5, 11, 3, 9, 6, 12},
	16: {1, 9, 5, 13, 3, 11, 7, 15, 2, 10, 6, 14, 4, 12, 8, 16},
	20: {1, 11, 6, 16, 3, 13, 8, 18, 2, 12, 7, 17, 4, 14, 9, 19, 5, 15, 10, 20},
}

// crossTables pairs each bolt with its opposite (k, k+n/2). Alternate pairs
// are tightened in opposing order.
var crossTables = map[int][]int{
	4:  {1, 3, 4, 2},
	6:  {1, 4, 5, 2, 3, 6},
	8:  {1, 5, 6, 2, 3, 7, 8, 4},
	12: {1, 7, 8, 2, 3, 9, 10, 4, 5, 11, 12, 6},
	16: {1, 9, 10, 2, 3, 11, 12, 4, 5, 13, 14, 6, 7, 15, 16, 8},
}
