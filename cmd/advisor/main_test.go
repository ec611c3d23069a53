package main

import (
	"bytes"
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"advisor/internal/auth/models"
	"advisor/internal/platform/config"
	"advisor/internal/platform/logger"
	dErrors "advisor/pkg/domain-errors"
	"advisor/pkg/testutil"
	"advisor/pkg/testutil/fakeapi"
)

type CommandSuite struct {
	suite.Suite
	ctx context.Context
	api *fakeapi.Server
	cfg config.Config
}

func TestCommandSuite(t *testing.T) {
	suite.Run(t, new(CommandSuite))
}

func (s *CommandSuite) SetupTest() {
	s.ctx = testutil.Context(s.T())
	s.api = fakeapi.New()
	s.T().Cleanup(s.api.Close)
	s.api.AddUser(models.User{ID: 7, Email: "jane@selu.edu", FirstName: "Jane", LastName: "Doe", WNumber: "W1234567"})

	s.cfg = config.Default()
	s.cfg.API.BaseURL = s.api.URL
	s.cfg.API.Timeout = 2 * time.Second
	s.cfg.Session.FilePath = filepath.Join(s.T().TempDir(), "session.json")
	s.cfg.Jobs.PollInterval = 0
}

// runCommand executes one command in a fresh process-like app so state can
// only carry over through the session file.
func (s *CommandSuite) runCommand(input string, args ...string) (string, error) {
	var out bytes.Buffer
	a, err := newApp(s.ctx, s.cfg, logger.Discard(), strings.NewReader(input), &out)
	s.Require().NoError(err)
	defer a.Close()
	err = a.dispatch(s.ctx, args)
	return out.String(), err
}

func (s *CommandSuite) TestLoginPersistsAcrossRuns() {
	s.Run("wrong code is reported and the prompt repeats", func() {
		out, err := s.runCommand("000000\n123456\n", "login", "--email", "Jane@SELU.edu")
		s.Require().NoError(err)
		s.Contains(out, "Invalid verification code")
		s.Contains(out, "Signed in as Jane <jane@selu.edu>")
		s.Equal(2, s.api.Calls("POST", "/auth/verify-otp"))
	})

	s.Run("a later run restores the session", func() {
		out, err := s.runCommand("", "whoami")
		s.Require().NoError(err)
		s.Equal("Jane Doe <jane@selu.edu> W1234567\n", out)
	})

	s.Run("logout clears it", func() {
		out, err := s.runCommand("", "logout")
		s.Require().NoError(err)
		s.Contains(out, "Signed out.")

		_, err = s.runCommand("", "whoami")
		s.Require().Error(err)
		s.Equal(dErrors.CodeUnauthorized, dErrors.CodeOf(err))
	})
}

func (s *CommandSuite) TestLoginRejectsForeignEmailBeforeSending() {
	_, err := s.runCommand("", "login", "--email", "jane@gmail.com")
	s.Require().Error(err)
	s.Equal(dErrors.CodeValidation, dErrors.CodeOf(err))
	s.Zero(s.api.Calls("POST", "/auth/send-otp"))
}

func (s *CommandSuite) TestLoginEndsOnClosedInput() {
	_, err := s.runCommand("", "login", "--email", "jane@selu.edu")
	s.Require().Error(err)
}

func (s *CommandSuite) TestResendDuringCooldownIsRefused() {
	out, err := s.runCommand("resend\n123456\n", "login", "--email", "jane@selu.edu")
	s.Require().NoError(err)
	s.Contains(out, "Signed in as Jane")
	s.Zero(s.api.Calls("POST", "/auth/resend-otp"))
}

func (s *CommandSuite) TestUnknownCommand() {
	out, err := s.runCommand("", "enroll")
	s.Require().Error(err)
	s.Equal(dErrors.CodeBadRequest, dErrors.CodeOf(err))
	s.Contains(out, "usage: advisor")
}

func (s *CommandSuite) TestTranscriptRequiresSession() {
	_, err := s.runCommand("", "transcript", "transcript.pdf")
	s.Require().Error(err)
	s.Equal(dErrors.CodeUnauthorized, dErrors.CodeOf(err))
	s.Empty(s.api.Uploads())
}
