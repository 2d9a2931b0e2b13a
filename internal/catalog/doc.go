// Package catalog defines the domain types and collaborator interfaces shared by
// the ingestion pipeline: product records, price history, per-flow checkpoints
// and the stores they are written to.
package catalog
