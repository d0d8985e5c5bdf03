package planner

import (
	"context"
	"fmt"
	"strings"

	"github.com/signalnine/repodock/internal/instance"
	"github.com/signalnine/repodock/internal/llm"
)

// baseImages maps a language to its candidate base images, newest last. The
// first entry is the fallback when selection fails.
var baseImages = map[string][]string{
	"python":     {"python:3.11", "python:3.10", "python:3.9", "python:3.8", "python:3.7", "python:3.6"},
	"javascript": {"node:20", "node:18", "node:22"},
	"rust":       {"rust:1.85", "rust:1.80", "rust:1.75", "rust:1.70"},
	"java":       {"eclipse-temurin:17-jdk-noble", "eclipse-temurin:11-jdk-noble", "eclipse-temurin:21-jdk-noble"},
	"go":         {"golang:1.24", "golang:1.23", "golang:1.22", "golang:1.21"},
}

// CandidateImages returns the base image candidates for a language. Unknown
// languages fall back to a plain ubuntu image.
func CandidateImages(language string) []string {
	if imgs, ok := baseImages[strings.ToLower(language)]; ok {
		return imgs
	}
	return []string{"ubuntu:22.04"}
}

const baseImageAttempts = 5

// SelectBaseImage asks the model to pick a base image from the language's
// candidate list. After baseImageAttempts failed choices it falls back to the
// first candidate rather than failing the instance.
func SelectBaseImage(ctx context.Context, client llm.Client, in instance.Instance) (string, error) {
	candidates := CandidateImages(in.Language)

	var hints string
	if in.Hints != "" {
		hints = fmt.Sprintf("\nAdditional hints to set up / test the repo: %s\n", in.Hints)
	}
	prompt := fmt.Sprintf(`The repository %s (language: %s) needs a base Docker image.
%s
Please recommend a suitable base image. Consider:
1. The programming language and version requirements
2. Common system dependencies
3. Use official images when possible

Select a base image from the following candidate list:
%s
Wrap the image name in a block like <image>%s</image> to indicate your choice.`,
		in.Repo, in.Language, hints, strings.Join(candidates, ", "), candidates[0])

	for attempt := 0; attempt < baseImageAttempts; attempt++ {
		response, err := client.Complete(ctx, "", prompt)
		if err != nil {
			return "", fmt.Errorf("selecting base image for %s: %w", in.InstanceID, err)
		}
		image := extractTag(response, "image")
		for _, c := range candidates {
			if image == c {
				return image, nil
			}
		}
		prompt += fmt.Sprintf("\n\nThe image you selected (%q) is not in the candidate list. Please select again.", image)
	}
	return candidates[0], nil
}
