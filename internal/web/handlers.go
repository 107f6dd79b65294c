package web

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/petguard/edge-recorder/internal/capture"
	"github.com/petguard/edge-recorder/internal/config"
	"github.com/petguard/edge-recorder/internal/detect"
	"github.com/petguard/edge-recorder/internal/health"
	"github.com/petguard/edge-recorder/internal/proximity"
	"github.com/petguard/edge-recorder/internal/recording"
	"github.com/petguard/edge-recorder/internal/state"
	"github.com/petguard/edge-recorder/internal/storage"
)

// Readings without a value are treated as out of range.
const (
	missingDistance = 999.0
	missingSignal   = -100.0
)

const (
	defaultThumbWidth = 320
	minThumbWidth     = 16
	maxThumbWidth     = 1920
	thumbnailTimeout  = 10 * time.Second
)

func nullable(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func (s *Server) rejected(reason string) {
	if s.deps.Rejections != nil {
		s.deps.Rejections.FrameRejected(reason)
	}
}

// handlePushFrame accepts one encoded image in the request body.
func (s *Server) handlePushFrame(c *gin.Context) {
	src, ok := s.deps.Sources.PushSource(c.Query("source"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "No push source configured"})
		return
	}

	data, err := io.ReadAll(io.LimitReader(c.Request.Body, maxFrameBytes+1))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("Failed to read body: %v", err)})
		return
	}
	if len(data) == 0 {
		s.rejected("empty")
		c.JSON(http.StatusBadRequest, gin.H{"error": "No image data received"})
		return
	}
	if len(data) > maxFrameBytes {
		s.rejected("too_large")
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "Image too large"})
		return
	}

	frame, err := src.Submit(data)
	switch {
	case errors.Is(err, capture.ErrDecode):
		s.rejected("decode")
		c.JSON(http.StatusBadRequest, gin.H{"error": "Failed to decode image"})
		return
	case errors.Is(err, capture.ErrDropped):
		s.rejected("busy")
		c.JSON(http.StatusOK, gin.H{
			"success":   true,
			"queued":    false,
			"message":   "Frame dropped, previous frame still pending",
			"timestamp": time.Now().Format(time.RFC3339Nano),
		})
		return
	case err != nil:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success":   true,
		"queued":    true,
		"message":   "Frame received",
		"width":     frame.Width,
		"height":    frame.Height,
		"timestamp": time.Now().Format(time.RFC3339Nano),
	})
}

type proximityRequest struct {
	Distance  *float64 `json:"distance"`
	Signal    *float64 `json:"signal"`
	RSSI      *float64 `json:"rssi"`
	BeaconID  string   `json:"beacon_id"`
	BeaconMAC string   `json:"beacon_mac"`
}

func (r proximityRequest) reading() (proximity.Reading, error) {
	signal := r.Signal
	if signal == nil {
		signal = r.RSSI
	}
	if r.Distance == nil && signal == nil {
		return proximity.Reading{}, errors.New("distance or signal is required")
	}

	reading := proximity.Reading{Distance: missingDistance, Signal: missingSignal, BeaconID: r.BeaconID}
	if r.Distance != nil {
		reading.Distance = *r.Distance
	}
	if signal != nil {
		reading.Signal = *signal
	}
	if reading.BeaconID == "" {
		reading.BeaconID = r.BeaconMAC
	}
	return reading, nil
}

// handleProximityUpdate records one beacon reading.
func (s *Server) handleProximityUpdate(c *gin.Context) {
	var req proximityRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("Invalid request body: %v", err)})
		return
	}
	reading, err := req.reading()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	res, err := s.deps.Proximity.Proximity(c.Request.Context(), reading)
	if err != nil && !errors.Is(err, recording.ErrStopped) {
		s.LogWarn("Proximity transition not applied", "edge", res.Event.Edge.String(), "error", err)
	}

	c.JSON(http.StatusOK, gin.H{
		"success":      true,
		"distance":     reading.Distance,
		"signal":       reading.Signal,
		"rssi":         reading.Signal,
		"is_close":     res.State.Close,
		"alert_active": res.State.Close,
		"recording":    proximityRecording(res.Status),
		"timestamp":    time.Now().Format(time.RFC3339Nano),
	})
}

func proximityRecording(st recording.Status) bool {
	return st.Recording && st.Trigger == recording.TriggerProximity
}

// handleProximityStatus reports the latest beacon reading.
func (s *Server) handleProximityStatus(c *gin.Context) {
	ps := s.deps.Proximity.ProximityState()
	st := s.deps.Recorder.Status()

	resp := gin.H{
		"has_signal":   ps.HasSignal,
		"distance":     ps.Latest.Distance,
		"signal":       ps.Latest.Signal,
		"rssi":         ps.Latest.Signal,
		"beacon_id":    ps.Latest.BeaconID,
		"is_close":     ps.Close,
		"alert_active": ps.Close,
		"recording":    proximityRecording(st),
		"updates":      ps.Updates,
		"has_frame":    s.deps.Live.Latest() != nil,
		"timestamp":    time.Now().Format(time.RFC3339Nano),
	}
	if ps.HasSignal {
		resp["last_update"] = ps.Latest.ReceivedAt.Format(time.RFC3339Nano)
		resp["time_since_update"] = time.Since(ps.Latest.ReceivedAt).Seconds()
	}
	c.JSON(http.StatusOK, resp)
}

// handleHealth runs the registered health checks.
func (s *Server) handleHealth(c *gin.Context) {
	st := s.deps.Recorder.Status()
	if s.deps.Health == nil {
		c.JSON(http.StatusOK, gin.H{
			"status":    health.StatusHealthy,
			"recording": st.Recording,
			"version":   s.version,
			"timestamp": time.Now().Format(time.RFC3339Nano),
		})
		return
	}

	report := s.deps.Health.Check(c.Request.Context())
	code := http.StatusOK
	if report.Status == health.StatusUnhealthy {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, gin.H{
		"status":    report.Status,
		"checks":    report.Checks,
		"services":  report.Services,
		"uptime":    report.Uptime,
		"recording": st.Recording,
		"version":   s.version,
		"timestamp": report.Timestamp.Format(time.RFC3339Nano),
	})
}

// handleStatus reports trigger and recording state.
func (s *Server) handleStatus(c *gin.Context) {
	st := s.deps.Recorder.Status()

	dets := []detect.Detection{}
	both := false
	if snap := s.deps.Live.Latest(); snap != nil {
		if snap.Detections != nil {
			dets = snap.Detections
		}
		both = snap.Both
	}

	c.JSON(http.StatusOK, gin.H{
		"state":         st.State,
		"trigger":       nullable(string(st.Trigger)),
		"is_recording":  st.Recording,
		"both_detected": both,
		"current_video": nullable(st.FileName),
		"detections":    dets,
		"counts":        detect.Counts(dets),
		"recorder":      st,
		"timestamp":     time.Now().Format(time.RFC3339Nano),
	})
}

// handleLive returns the newest processed frame. ?raw=1 selects the frame
// without annotations and ?format=jpeg returns the image itself.
func (s *Server) handleLive(c *gin.Context) {
	snap := s.deps.Live.Latest()
	if snap == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "No frame available"})
		return
	}

	var (
		data []byte
		err  error
	)
	if c.Query("raw") == "1" {
		data, err = snap.Raw.JPEG(s.live.JPEGQuality)
	} else {
		data, err = snap.AnnotatedJPEG(s.live.JPEGQuality)
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": fmt.Sprintf("Failed to encode frame: %v", err)})
		return
	}

	if c.Query("format") == "jpeg" {
		c.Header("Cache-Control", "no-cache")
		c.Data(http.StatusOK, "image/jpeg", data)
		return
	}

	st := s.deps.Recorder.Status()
	ps := s.deps.Proximity.ProximityState()
	dets := snap.Detections
	if dets == nil {
		dets = []detect.Detection{}
	}

	var distance interface{}
	if ps.HasSignal {
		distance = ps.Latest.Distance
	}
	c.JSON(http.StatusOK, gin.H{
		"frame":           base64.StdEncoding.EncodeToString(data),
		"detections":      dets,
		"both_detected":   snap.Both,
		"is_recording":    st.Recording,
		"current_video":   nullable(st.FileName),
		"proximity_alert": ps.Close,
		"beacon_distance": distance,
		"seq":             snap.Seq,
		"timestamp":       snap.At.Format(time.RFC3339Nano),
	})
}

// handleStream writes annotated frames as multipart JPEG until the client
// goes away. A frame is only sent when a newer snapshot exists.
func (s *Server) handleStream(c *gin.Context) {
	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Streaming not supported"})
		return
	}

	c.Header("Content-Type", "multipart/x-mixed-replace; boundary=frame")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("Pragma", "no-cache")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)
	flusher.Flush()

	interval := s.live.StreamInterval
	if interval <= 0 {
		interval = 33 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	// Every tick emits the latest frame, repeating it while the producer stalls.
	ctx := c.Request.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		snap := s.deps.Live.Latest()
		if snap == nil {
			continue
		}
		data, err := snap.AnnotatedJPEG(s.live.JPEGQuality)
		if err != nil {
			continue
		}

		if _, err := fmt.Fprintf(c.Writer, "--frame\r\nContent-Type: image/jpeg\r\nContent-Length: %d\r\n\r\n", len(data)); err != nil {
			return
		}
		if _, err := c.Writer.Write(data); err != nil {
			return
		}
		if _, err := io.WriteString(c.Writer, "\r\n"); err != nil {
			return
		}
		flusher.Flush()
	}
}

// handleListVideos lists stored recordings, newest first.
func (s *Server) handleListVideos(c *gin.Context) {
	recs, err := s.deps.Library.List()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": fmt.Sprintf("Failed to list recordings: %v", err)})
		return
	}

	ctx := c.Request.Context()
	videos := make([]gin.H, 0, len(recs))
	for _, r := range recs {
		v := gin.H{
			"filename": r.Name,
			"size":     r.Size,
			"created":  r.CreatedAt.Format(time.RFC3339),
			"url":      "/videos/" + r.Name,
		}
		if s.deps.Index != nil {
			if row, err := s.deps.Index.GetRecording(ctx, r.Name); err == nil {
				v["trigger"] = row.Trigger
				v["frames_written"] = row.FramesWritten
				v["frames_dropped"] = row.FramesDropped
				v["interrupted"] = row.Interrupted
				if row.EndedAt != nil {
					v["duration_seconds"] = row.EndedAt.Sub(row.StartedAt).Seconds()
				}
			} else if !errors.Is(err, state.ErrRecordingNotFound) {
				s.LogDebug("Index lookup failed", "file", r.Name, "error", err)
			}
		}
		videos = append(videos, v)
	}

	c.JSON(http.StatusOK, gin.H{
		"videos": videos,
		"count":  len(videos),
	})
}

func libraryError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "Video not found"})
	case errors.Is(err, storage.ErrInvalidName):
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid video name"})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}

// handleGetVideo serves one recording.
func (s *Server) handleGetVideo(c *gin.Context) {
	rec, err := s.deps.Library.Get(c.Param("name"))
	if err != nil {
		libraryError(c, err)
		return
	}
	c.Header("Content-Type", "video/mp4")
	c.Header("Content-Disposition", fmt.Sprintf("inline; filename=%q", rec.Name))
	c.File(rec.Path)
}

// handleVideoThumbnail serves the first frame of a finished recording.
func (s *Server) handleVideoThumbnail(c *gin.Context) {
	if s.deps.Thumbnails == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Thumbnails unavailable"})
		return
	}
	rec, err := s.deps.Library.Get(c.Param("name"))
	if err != nil {
		libraryError(c, err)
		return
	}
	if st := s.deps.Recorder.Status(); st.Recording && st.FileName == rec.Name {
		c.JSON(http.StatusConflict, gin.H{"error": "Video is still being recorded"})
		return
	}

	width, err := strconv.Atoi(c.DefaultQuery("width", strconv.Itoa(defaultThumbWidth)))
	if err != nil || width < minThumbWidth || width > maxThumbWidth {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("width must be between %d and %d", minThumbWidth, maxThumbWidth)})
		return
	}

	key := fmt.Sprintf("%s:%d:%d", rec.Name, width, rec.CreatedAt.UnixNano())
	if data, ok := s.thumbs.Get(key); ok {
		c.Data(http.StatusOK, "image/jpeg", data.([]byte))
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), thumbnailTimeout)
	defer cancel()
	data, err := s.deps.Thumbnails.Thumbnail(ctx, rec.Path, width, s.live.JPEGQuality)
	if err != nil {
		s.LogWarn("Thumbnail failed", "file", rec.Name, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to extract thumbnail"})
		return
	}
	s.thumbs.SetDefault(key, data)
	c.Data(http.StatusOK, "image/jpeg", data)
}

// handleDeleteVideo removes a finished recording and its index row.
func (s *Server) handleDeleteVideo(c *gin.Context) {
	name := c.Param("name")
	if st := s.deps.Recorder.Status(); st.Recording && st.FileName == name {
		c.JSON(http.StatusConflict, gin.H{"error": "Video is still being recorded"})
		return
	}
	if err := s.deps.Library.Delete(name); err != nil {
		libraryError(c, err)
		return
	}

	ctx := c.Request.Context()
	if s.deps.Index != nil {
		if err := s.deps.Index.DeleteRecording(ctx, name); err != nil {
			s.LogWarn("Failed to remove index row", "file", name, "error", err)
		}
	}
	if s.deps.Disk != nil {
		s.deps.Disk.Invalidate()
	}
	c.JSON(http.StatusOK, gin.H{"message": "Video deleted successfully"})
}

func runtimeJSON(rs config.RuntimeSettings) gin.H {
	return gin.H{
		"confidence": rs.Confidence,
		"cooldown":   rs.CooldownSeconds(),
	}
}

// handleGetConfig returns the runtime-adjustable settings.
func (s *Server) handleGetConfig(c *gin.Context) {
	c.JSON(http.StatusOK, runtimeJSON(s.deps.Config.Runtime()))
}

// handleUpdateConfig applies a partial update of confidence and cooldown.
// An invalid value rejects the whole request.
func (s *Server) handleUpdateConfig(c *gin.Context) {
	var patch map[string]interface{}
	if err := c.ShouldBindJSON(&patch); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("Invalid request body: %v", err)})
		return
	}

	ctx := c.Request.Context()
	rs, err := s.deps.Config.Runtime().Apply(patch)
	if err == nil {
		err = s.deps.Config.UpdateRuntime(ctx, rs)
	}
	if err != nil {
		var fe *config.FieldError
		if errors.As(err, &fe) {
			c.JSON(http.StatusBadRequest, gin.H{"error": fe.Error(), "field": fe.Field})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if s.deps.Settings != nil {
		if err := s.deps.Settings.SaveRuntimeSettings(ctx, rs); err != nil {
			s.LogWarn("Failed to persist runtime settings", "error", err)
		}
	}

	resp := runtimeJSON(rs)
	resp["message"] = "Configuration updated"
	c.JSON(http.StatusOK, resp)
}
