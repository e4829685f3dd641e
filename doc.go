/*
Package draftkeeper manages long-running drafting sessions between users and an
AI assistant: it enforces the session lifecycle, keeps the authoritative state
in a pluggable store, and reconciles clients that edit the same session from
several devices.

# Concept

A session moves through a small lifecycle (active, paused, completed, abandoned,
error). Every change goes through the session manager, which serializes writes
per session, caches hot sessions, persists them with optimistic versioning and
publishes a diff to anyone watching. Storage is hidden behind a Gateway port so
the same manager runs on memory, Redis or MongoDB.

# Key Features

  - Lifecycle rules: terminal states are final and pause/resume restores the prior status.
  - Per-user limits: creating a session past the limit abandons the user's oldest one.
  - Multi-device sync: clients send what they last saw and receive updates or a conflict report.
  - Idle sweeper: sessions untouched past a threshold are abandoned in one batch.
  - At-rest security: PII masking and AES-GCM sealing as gateway middleware.

# Usage

	package main

	import (
		"context"
		"log"
		"net/http"

		"github.com/aretw0/draftkeeper"
		"github.com/aretw0/draftkeeper/pkg/config"
	)

	func main() {
		ctx := context.Background()
		stack, err := draftkeeper.New(ctx, config.Defaults())
		if err != nil {
			log.Fatal(err)
		}
		defer stack.Close()

		if err := stack.Start(ctx); err != nil {
			log.Fatal(err)
		}
		log.Fatal(http.ListenAndServe(":8080", stack.Handler))
	}
*/
package draftkeeper
