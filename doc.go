// Package steprun is a lightweight durable pipeline engine for long-running
// multi-step jobs. Pipelines are ordered collections of named steps, each
// wrapping a unit of work (an external command, a shell script, or a
// registered Go callable) with optional pretest and donetest hooks and
// explicit dependencies. Every state transition is persisted to a snapshot
// store, so a crashed or interrupted run resumes exactly where it stopped:
//
//	p, err := steprun.Open("build.json")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer p.Close()
//
//	p.AddCommand("fetch", "git", []string{"pull"})
//	p.AddScript("build", "make all", steprun.DependsOn("fetch"))
//	if err := p.RunAll(ctx, steprun.RunOptions{}); err != nil {
//	    log.Fatal(err)
//	}
//
// Steps may also be fanned out over a set of files, expanded into one
// sub-step per file, and executed either sequentially or on a bounded
// worker pool with RunParallel.
package steprun
