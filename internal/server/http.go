package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

type httpServer struct {
	snapshot Snapshot
}

func (h *httpServer) Init(ctx context.Context, port int, snapshot Snapshot) error {
	h.snapshot = snapshot

	gin.SetMode(gin.ReleaseMode)
	router := gin.Default()

	router.GET("/session", h.getSession)
	router.GET("/history", h.getHistory)

	srv := &http.Server{
		Addr:    fmt.Sprintf("localhost:%d", port),
		Handler: router,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		return srv.Shutdown(context.Background())
	})
	go func() {
		if err := g.Wait(); err != nil {
			logrus.Warnf("Progress server stopped - %v", err)
		}
	}()

	return nil
}

type sessionResponse struct {
	ID string `json:"id"`

	Status string `json:"status"`

	GoodRef      string `json:"goodRef"`
	BadRef       string `json:"badRef"`
	CandidateRef string `json:"candidateRef,omitempty"`

	StepsTaken int `json:"stepsTaken"`
	Skipped    int `json:"skipped"`

	Culprit     string `json:"culprit,omitempty"`
	AbortReason string `json:"abortReason,omitempty"`
}

type historyEntryResponse struct {
	Commit   string `json:"commit"`
	Verdict  string `json:"verdict"`
	ExitCode int    `json:"exitCode"`

	DurationSeconds float64 `json:"durationSeconds"`
}

func (h *httpServer) getSession(c *gin.Context) {
	session := h.snapshot()
	c.JSON(http.StatusOK, sessionResponse{
		ID: session.ID,

		Status: string(session.Status),

		GoodRef:      session.GoodRef,
		BadRef:       session.BadRef,
		CandidateRef: session.CandidateRef,

		StepsTaken: len(session.VerdictHistory),
		Skipped:    len(session.SkipSet),

		Culprit:     session.Culprit,
		AbortReason: session.AbortReason,
	})
}

func (h *httpServer) getHistory(c *gin.Context) {
	session := h.snapshot()
	entries := make([]historyEntryResponse, 0, len(session.VerdictHistory))
	for _, step := range session.VerdictHistory {
		entries = append(entries, historyEntryResponse{
			Commit:   step.Commit,
			Verdict:  string(step.Verdict),
			ExitCode: step.ExitCode,

			DurationSeconds: step.DurationSeconds,
		})
	}
	c.JSON(http.StatusOK, entries)
}
