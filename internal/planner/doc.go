// Package planner expands a specification's bolt pattern into the ordered
// list of bolt positions tightened in one pass.
//
// Expansion is a pure function of (pattern, bolt count, layout). STAR and
// CROSS orders come from explicit permutation tables keyed by bolt count;
// a count with no table falls back to LINEAR and the fallback is reported in
// Plan.Warnings rather than swallowed.
package planner
