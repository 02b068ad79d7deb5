/*
Package cycling makes training loops safe to interrupt and resume.

# Overview

Two pieces cooperate. A sampler from the sampler package yields a
deterministic, sharded index order and tracks how far the current epoch
has progressed. The checkpoint package publishes checkpoint directories
atomically, with a single designated writer, through a pointer symlink
that readers resolve on restart.

A Cycler joins the two for a single participant: it restores sampler
state from the published slot, counts steps, and at a fixed interval runs
a checkpoint cycle that writes sampler state next to whatever the caller
saves.

# Basic Usage

	dir, _ := checkpoint.NewOSDir("/shared/run-17")
	s, _ := sampler.New(size, sampler.WithReplicas(world, rank), sampler.WithSeed(42))

	c, err := cycling.New(ctx, dir, group, s,
	    cycling.WithSaveInterval(500),
	    cycling.WithCheckpointOptions(checkpoint.WithKeepLast(2)),
	)
	if err != nil {
	    return err
	}
	if _, err := c.Resume(ctx); err != nil {
	    return err
	}

	for epoch := s.Epoch(); epoch < epochs; epoch++ {
	    scope, err := s.BeginEpoch(epoch)
	    if err != nil {
	        return err
	    }
	    for idx := range s.Indices() {
	        train(idx)
	        if err := c.Step(ctx, 1, saveModel); err != nil {
	            scope.End()
	            return err
	        }
	    }
	    scope.End()
	}

Every participant of the group must call Step with the same counts so the
collective calls inside each checkpoint cycle line up.

# Slot Layout

Each published slot holds StateFile, written by the designated writer,
plus whatever the WriteFunc passed to Step or Checkpoint stores there.
*/
package cycling
