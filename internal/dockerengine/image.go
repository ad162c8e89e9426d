package dockerengine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/pkg/archive"
	"github.com/docker/docker/pkg/jsonmessage"
	"github.com/google/go-containerregistry/pkg/name"

	"github.com/buildkite/clientgrid/internal/backend"
	"github.com/buildkite/clientgrid/internal/clienterr"
)

var invalidNameChars = regexp.MustCompile(`[^a-z0-9_.-]+`)

// SanitizeName lowercases s and replaces characters the engine does not
// accept in image and container names.
func SanitizeName(s string) string {
	s = invalidNameChars.ReplaceAllString(strings.ToLower(strings.TrimSpace(s)), "_")
	return strings.Trim(s, "_.-")
}

// BuildTag is the tag used for images built from a local context.
func (a *Adapter) BuildTag(clientName string) string {
	return a.imagePrefix + "_" + SanitizeName(clientName)
}

// GetOrCreateImage makes specifier available to the engine and returns the
// image name to create containers from. A specifier naming a local file or
// directory is built as a Dockerfile context; anything else is pulled as a
// registry reference.
func (a *Adapter) GetOrCreateImage(ctx context.Context, clientName, specifier string, listener func(backend.ProgressEvent)) (string, error) {
	specifier = strings.TrimSpace(specifier)
	if specifier == "" {
		return "", clienterr.Configuration("resolve image", "client %q has an empty image specifier", clientName)
	}
	api, err := a.Connect(ctx)
	if err != nil {
		return "", err
	}

	if info, statErr := os.Stat(specifier); statErr == nil {
		tag, err := a.buildImage(ctx, api, clientName, specifier, info, listener)
		if err != nil {
			return "", clienterr.Resolution("build image", specifier, err)
		}
		return tag, nil
	}

	if err := a.pullImage(ctx, api, specifier, listener); err != nil {
		return "", clienterr.Resolution("pull image", specifier, err)
	}
	return specifier, nil
}

func (a *Adapter) buildImage(ctx context.Context, api API, clientName, path string, info os.FileInfo, listener func(backend.ProgressEvent)) (string, error) {
	contextDir := path
	dockerfile := "Dockerfile"
	if !info.IsDir() {
		contextDir = filepath.Dir(path)
		dockerfile = filepath.Base(path)
	}

	buildContext, err := archive.TarWithOptions(contextDir, &archive.TarOptions{})
	if err != nil {
		return "", fmt.Errorf("archive build context %s: %w", contextDir, err)
	}
	defer buildContext.Close()

	tag := a.BuildTag(clientName)
	a.logger.Info("building image", "tag", tag, "context", contextDir)
	resp, err := api.ImageBuild(ctx, buildContext, types.ImageBuildOptions{
		Tags:       []string{tag},
		Dockerfile: dockerfile,
		Remove:     true,
	})
	if err != nil {
		return "", fmt.Errorf("start build: %w", err)
	}
	defer resp.Body.Close()

	err = decodeMessages(resp.Body, func(msg jsonmessage.JSONMessage) {
		text := strings.TrimRight(msg.Stream, "\r\n")
		if text == "" {
			text = msg.Status
		}
		if text == "" {
			return
		}
		backend.Emit(listener, backend.ProgressEvent{Kind: backend.ProgressBuildLog, Name: clientName, Message: text})
	})
	if err != nil {
		return "", err
	}
	return tag, nil
}

func (a *Adapter) pullImage(ctx context.Context, api API, specifier string, listener func(backend.ProgressEvent)) error {
	ref, err := name.ParseReference(specifier)
	if err != nil {
		return fmt.Errorf("parse image reference: %w", err)
	}

	a.logger.Info("pulling image", "ref", ref.Name())
	backend.Emit(listener, backend.ProgressEvent{Kind: backend.ProgressPullStarted, Name: specifier, ID: ref.Name()})

	body, err := api.ImagePull(ctx, specifier, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("start pull: %w", err)
	}
	defer body.Close()

	err = decodeMessages(body, func(msg jsonmessage.JSONMessage) {
		backend.Emit(listener, backend.ProgressEvent{
			Kind:     backend.ProgressPullProgress,
			Name:     specifier,
			ID:       msg.ID,
			Status:   msg.Status,
			Progress: pullProgress(msg),
		})
	})
	if err != nil {
		return err
	}

	backend.Emit(listener, backend.ProgressEvent{Kind: backend.ProgressPullFinished, Name: specifier, ID: ref.Name(), Progress: 100})
	return nil
}

// pullProgress returns layer download progress in percent. Only
// "Downloading" events carry a meaningful ratio.
func pullProgress(msg jsonmessage.JSONMessage) float64 {
	if msg.Status != "Downloading" || msg.Progress == nil || msg.Progress.Total <= 0 {
		return 0
	}
	return 100 * float64(msg.Progress.Current) / float64(msg.Progress.Total)
}

func decodeMessages(r io.Reader, fn func(jsonmessage.JSONMessage)) error {
	dec := json.NewDecoder(r)
	for {
		var msg jsonmessage.JSONMessage
		if err := dec.Decode(&msg); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("decode engine progress: %w", err)
		}
		if msg.Error != nil {
			return errors.New(msg.Error.Message)
		}
		if msg.ErrorMessage != "" {
			return errors.New(msg.ErrorMessage)
		}
		fn(msg)
	}
}
