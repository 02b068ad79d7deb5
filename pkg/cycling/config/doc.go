/*
Package config provides typed access to decoded configuration documents.

# Overview

A Config wraps the map produced by decoding a YAML, JSON or TOML file and
exposes accessors that fall back to a default when a key is missing or has
the wrong type. Component packages translate a Config into their own
options:

	cfg, err := config.FromFile("cycling.toml")
	if err != nil {
	    return err
	}
	ckptOpts, err := checkpoint.OptionsFromConfig(cfg.Section("checkpoint"))
	samplerOpts := sampler.OptionsFromConfig(cfg.Section("sampler"))

A typical file:

	[checkpoint]
	name = "resnet"
	keep_last = 2
	strategy = "ANY"

	[sampler]
	seed = 42
	shuffle = true
	drop_last = false

	[collective]
	backend = "file"
	dir = "/shared/run-17/.rendezvous"

# Numeric coercion

Each decoder reports integers differently (int for YAML, int64 for TOML,
float64 for JSON). Int accepts all three and rejects floats with a
fractional part.

# Environment

Process identity (rank, world size) is part of the execution environment
rather than the file. ParseEnv fills a struct from `env` tags.
*/
package config
