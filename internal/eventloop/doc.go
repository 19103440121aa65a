// Package eventloop bridges blocking callers onto a single worker that owns
// all agent I/O.
//
// A caller hands a function to Submit and blocks until it returns. The
// worker starts jobs in arrival order; each runs in its own goroutine so a
// job waiting on the network never holds up another user's turn. The number
// of jobs running at once is bounded by Options.MaxConcurrent.
//
//	loop := eventloop.New(logger, eventloop.Options{MaxConcurrent: 16})
//	defer loop.Close()
//
//	reply, err := eventloop.Submit(ctx, loop, func(ctx context.Context) (string, error) {
//	    return dispatcher.Turn(ctx, userID, text)
//	})
//
// Jobs are never cancelled from outside. The ctx given to Submit is passed
// into the job, so a deadline can make the job give up on its own.
package eventloop
