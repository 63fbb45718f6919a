// Package lib supplies helper routines shared across gobinned
// packages.
package lib
