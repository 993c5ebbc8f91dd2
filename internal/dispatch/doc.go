// Package dispatch turns queue messages into tool runs and reports results.
//
// Three handlers are provided, one per inbound queue:
//   - Task: text commands (import, genFed, genStash, genUnityBundle, importToy)
//   - Model: JSON model-import envelopes, handed off to the unity queue on success
//   - Unity: JSON bundle-generation requests
//
// Every job walks an explicit state machine:
//
//	Received → [ToyImportRedirect] → [Processing] → Spawned →
//	  {Succeeded | SoftFailed | Failed | TimedOut} →
//	  [TreeRegeneration | UnityBundleGeneration | ToyFederation] → Terminal
//
// Rules:
//   - "processing" is announced after the command is decoded and before the
//     spawn, except for genFed
//   - follow-on steps run only after Succeeded or SoftFailed
//   - a failed bundle step downgrades the result to CodeBundleGenerationFailure
//   - decode failures go straight to Terminal with a fixed code
//   - exactly one terminal reply is sent per message; it acknowledges the delivery
package dispatch
