package storage

// Package storage persists dispatcher dedup state so suppression windows
// survive restarts. It offers a file backend (snapshot + journal) and a
// SQLite backend.
