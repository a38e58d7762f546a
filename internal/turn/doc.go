/*
Package turn sequences a spoken conversation.

Next is the pure transition function over (State, EventType). Controller owns
one Session and executes the effects Next returns on a single event-loop
goroutine: it acquires capture, feeds chunks to the voice activity detector,
segments utterances, dispatches them for processing, starts playback and
schedules the return to listening.

	Idle ──Answer──▶ Listening ──SpeechStart──▶ Segmenting
	                     ▲                          │ SpeechEnd / Stop
	                     │                          ▼
	                     ├──Resume (delay)──── Processing
	                     │                          │ ResultAudio
	                     │                          ▼
	                     └──PlaybackDone ───── Speaking

End or CaptureFailed from any state moves to Ended, which is terminal.
*/
package turn
