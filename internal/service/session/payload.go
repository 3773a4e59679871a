package session

import (
	"time"

	"live-transcription-service/internal/models"
	"live-transcription-service/internal/service/segment"
	"live-transcription-service/internal/service/speaker"
)

// segmentModel converts a segment to its wire form. label resolves raw
// speaker tags to display names.
func segmentModel(sessionID string, seg segment.Segment, label func(string) string) models.TranscriptSegment {
	m := models.TranscriptSegment{
		SessionID:  sessionID,
		SegmentID:  seg.ID,
		Text:       seg.Text,
		SpeakerID:  seg.SpeakerTag,
		StartMs:    seg.StartMs,
		EndMs:      seg.EndMs,
		Correction: seg.Correction.String(),
	}
	if seg.SpeakerTag != "" && label != nil {
		m.SpeakerLabel = label(seg.SpeakerTag)
	}
	if len(seg.Translations) > 0 {
		m.Translations = make(map[string]models.Translation, len(seg.Translations))
		for lang, tr := range seg.Translations {
			m.Translations[lang] = models.Translation{Text: tr.Text, State: tr.State.String()}
		}
	}
	return m
}

func speakerModels(ids []speaker.Identity) []models.Speaker {
	out := make([]models.Speaker, 0, len(ids))
	for _, id := range ids {
		out = append(out, models.Speaker{ID: id.ID, Label: id.Label, SegmentCount: id.SegmentCount})
	}
	return out
}

// buildPayload renders the finalized transcript of rec.
func buildPayload(rec *recording, language string, endedAt time.Time) models.TranscriptPayload {
	st := rec.transcript.Snapshot()
	label := rec.tracker.Label

	segments := make([]models.TranscriptSegment, 0, st.Len())
	for _, seg := range st.Segments {
		segments = append(segments, segmentModel("", seg, label))
	}

	return models.TranscriptPayload{
		EventType: models.EventTypeTranscript,
		SessionID: rec.id,
		Language:  language,
		StartedAt: rec.startedAt,
		EndedAt:   endedAt,
		Segments:  segments,
		FullText:  st.Text(label),
		Speakers:  speakerModels(rec.tracker.Identities(st.SpeakerCounts())),
	}
}
