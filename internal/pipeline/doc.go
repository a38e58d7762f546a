/*
Package pipeline runs one conversational turn: transcode the captured
utterance, transcribe it, compose a prompt from recent history, generate a
reply and synthesize it.

Stage failures do not surface as errors from Process. They are folded into
the Result's Outcome:

  - success: transcript, reply text and audio were produced
  - degraded: the turn produced something usable but not everything, e.g. an
    empty transcript, the fallback reply after a generation failure, or
    reply text without audio after a synthesis failure
  - failed: transcoding or transcription failed and the turn was aborted

Process itself only returns an error for invalid requests, a busy session
(ErrSessionBusy) or a cancelled context.
*/
package pipeline
