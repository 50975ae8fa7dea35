// Package errors provides the error classification used across the router.
//
// Errors fall into three classes: Transient (broker hiccups, timeouts; the
// operation may succeed later), Invalid (bad input or configuration; do not
// retry) and Fatal (programming or resource errors; stop processing).
//
// Wrap third-party errors with the component and method that observed them:
//
//	if err := client.Publish(ctx, subject, data); err != nil {
//	    return errors.WrapTransient(err, "LiveDataQueue", "FlushLiveData", "publish batch")
//	}
//
// Callers decide what to do with the class rather than matching strings:
//
//	if errors.IsTransient(err) {
//	    // put the batch back for the next flush
//	}
//
// The package re-exports nothing from the standard library errors package;
// import it under an alias (stderrors) when both are needed.
package errors
