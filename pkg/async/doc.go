// Package async provides safe concurrent execution primitives for background tasks.
//
// SafeGo runs fire-and-forget work (domain event notifications, webhook
// retries) with panic recovery, a timeout and error logging.
//
// ForEach fans a slice out over a bounded errgroup and reports one error slot
// per item, which is what bulk subscription actions and the due-payment sweep
// need: one bad subscription never aborts the others.
package async
