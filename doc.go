// Package roster coordinates the start, stop and restart of a fixed set of long-running programs as groups, with
// separate phases per dependency rank and progress driven by a periodic tick.
//
// Quick Start
//
// 	r := roster.New([]roster.Program{db, api, web})
//
// 	// db (rank 0) is started first; api and web (rank 1) are started together once db is RUNNING.
// 	if err := r.StartPrograms(); err != nil {
// 		// Another sequence is still in progress.
// 	}
//
// 	ticker := time.NewTicker(500 * time.Millisecond)
// 	for now := range ticker.C {
// 		r.OnTick(now)
// 	}
//
// Every method of a Roster must be called from the same goroutine, including OnTick and OnTerminateProgram. The
// Roster never blocks: spawning, signaling and reaping processes is the job of the Program implementation and of the
// caller.
package roster
