// Package conv provides checked integer conversions for the C-style surface,
// where sizes arrive as unsigned size_t values and must become Go ints.
package conv
