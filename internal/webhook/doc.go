// Package webhook serves the inbound JoAi callback endpoints.
//
// Every trigger node gets one endpoint at
//
//	POST /webhook/{workflowID}/{nodeID}
//
// which is also the URL registered with the remote subscription. The body is
// handed to the node's verifier; accepted items are recorded in the
// execution queue.
//
// # Request Flow
//
//  1. Node looked up from the path (404 if unknown)
//  2. Body size checked (413 if too large)
//  3. Secret header compared in constant time (403 on mismatch)
//  4. Envelope shape, event type and content filters applied
//  5. Accepted items enqueued, one execution per item
//
// # Responses
//
//   - 200 {"status":"accepted","execution_ids":[...]}
//   - 200 {"status":"ignored"}: malformed or filtered out
//   - 403 {"message":"Invalid webhook secret"}
//   - 404 Not Found: no trigger at this path
//   - 413 Payload Too Large: body exceeds max_body_size
//   - 500 Internal Server Error: storage failure
//
// Malformed payloads are answered with 200 so the remote service does not
// keep retrying them.
package webhook
