// Package conversation runs the streaming pipeline for one user turn.
//
// # Overview
//
// The conversation package sits between the Telegram frontend and the agent
// service. For each inbound message it resolves the user's remote thread,
// checks the token balance, opens a streaming run, folds the decoded events
// into a progressively edited reply, and settles the token ledger exactly
// once when the stream reaches a terminal state.
//
// # Service
//
//	svc := conversation.NewService(store, client, ledger, translator, opts, logger)
//	final, err := svc.RunTurn(ctx, user, text, presenter)
//
// The Presenter abstracts the outbound placeholder message; the Telegram
// frontend supplies one bound to a chat and message id, inline queries use a
// discarding presenter and read the returned final text.
//
// # Thread resolution
//
// Each (user, agent) pair maps to at most one remote thread. The cached
// mapping in the store is the hot path; on a miss the remote thread is
// created under a per-pair mutex so concurrent first turns cannot create two
// threads.
package conversation
