// Package terminal implements the command-line interface (CLI) mode for the Tandem agent.
//
// The terminal reads operator input with a line editor, hands each line to
// the agent and renders the agent's events until the turn ends: streamed
// response text, tool calls, failed tool results and errors. When a turn
// stops for tool approval the prompt changes to
//
//	Allow? [y]es / [Y]es, always / or type feedback:
//
// and the next line is the answer.
//
// # Commands
//
//   - /quit, /exit: leave the session
//   - /resume: retry the model call after a failed turn
//   - /save [file], /load [file]: dump or reload the message history
//     (default messages.json); loading keeps the system message
//
// # Usage
//
//	events := make(chan agent.Event)
//	a, err := agent.New(agent.Options{Session: sess, Client: client, Events: events})
//	if err != nil {
//	    // handle error
//	}
//	rl, err := terminal.NewReadline(historyFile)
//	if err != nil {
//	    // handle error
//	}
//	defer rl.Close()
//	err = terminal.New(a, events, rl, os.Stdout, verbose).Run(ctx, initialPrompt)
package terminal
