// Package providers contains the concrete provider adapters. Each adapter
// translates the canonical generation request into one upstream wire
// protocol and normalizes the response back into canonical assets. Flux and
// Reve are asynchronous (submit, then delegate to the shared job poller);
// Gemini and OpenAI return their assets in a single call.
package providers
