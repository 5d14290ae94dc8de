// Package storage persists run history: one record per finished task run.
//
// Two backends exist. The file driver appends JSON Lines and compacts them now
// and then. The sqlite driver keeps a runs table. Both keep at most
// Config.Retain records.
package storage
