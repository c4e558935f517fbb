// Package chat turns relay envelopes into classified chat events.
//
// It provides:
//   - Classifier: decodes App\Events\ChatMessageEvent payloads into Event,
//     detects prefix commands and derives the sender's permission Level from
//     badges (owner > moderator > subscriber > everyone).
//   - Recorder: a display-only consumer that persists chat lines into the
//     chat_messages table. It never influences command processing.
package chat
