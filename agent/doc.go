// Package agent provides the turn-loop engine of the Tandem system.
//
// An Agent owns one conversation history and drives it through user turns.
// A turn starts with HandleInput and ends when the model answers without
// calling tools, when a call needs the operator's approval, or when the
// model call fails. Front ends (agent/terminal, agent/bridge) feed input and
// render the events the engine sends on its event channel.
//
// # Turn states
//
//   - awaitingInput: idle, the next input is a new user message.
//   - running: a turn is in flight; further input gets ErrBusy.
//   - toolApprovalPending: the last assistant message holds tool calls
//     waiting for an answer. "y" or "yes" runs them once, "Y" or "YES" runs
//     them and allows the same calls for the rest of the session, anything
//     else rejects them and is sent to the model as feedback.
//
// # Tool batches
//
// Every tool call batch is checked as a whole before anything runs. Unknown
// tools and misuse of exclusive tools (delegate_to_subagent,
// report_as_subagent) reject the batch with a steering message and the
// model gets another try. The approval governor then decides each call:
// any deny rejects the batch without waiting, any ask suspends the turn,
// and a batch of allows is executed in order. Results always come back in
// call order.
//
// # Sub-agents
//
// When a subagent.Manager is configured, a successful report_as_subagent
// call cuts the sub-agent's transcript out of the history and replaces it
// with a single report message answering the original delegation.
//
// # Usage
//
//	events := make(chan agent.Event)
//	a, err := agent.New(agent.Options{
//	    Session:  sess,
//	    Client:   client,
//	    Tools:    activeTools,
//	    Governor: governor,
//	    Events:   events,
//	})
//	if err != nil {
//	    // handle error
//	}
//	go render(events)
//	err = a.HandleInput(ctx, "list files")
package agent
