// Package inventory is the repository of managed hosts. It owns the
// credential encryption boundary, role eligibility queries, and the
// scoring used to pick a host for a new worker placement.
package inventory
