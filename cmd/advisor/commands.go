package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"

	"github.com/go-chi/chi/v5"

	"advisor/internal/auth/gate"
	"advisor/internal/auth/models"
	"advisor/internal/onboarding"
	"advisor/internal/otp"
	"advisor/internal/platform/httpserver"
	dErrors "advisor/pkg/domain-errors"
)

const usage = `usage: advisor <command> [flags]

commands:
  login --email E [--remember]     sign in with an emailed code
  register --email E --first F --last L [--wnumber W] [--preferred P] --accept-terms
  whoami                           show the signed-in student
  logout                           sign out and revoke the session
  transcript [--save] FILE         upload a transcript and list the extracted courses
  serve [--addr A]                 serve /metrics, /healthz and the gated /session view
`

var errUsage = dErrors.New(dErrors.CodeBadRequest, "invalid usage")

func (a *app) dispatch(ctx context.Context, args []string) error {
	if len(args) == 0 {
		fmt.Fprint(a.out, usage)
		return errUsage
	}
	cmd, rest := args[0], args[1:]
	if cmd != "serve" {
		a.startOps(ctx)
	}
	switch cmd {
	case "login":
		return a.login(ctx, rest)
	case "register":
		return a.register(ctx, rest)
	case "whoami":
		return a.whoami(ctx)
	case "logout":
		return a.logout(ctx)
	case "transcript":
		return a.transcript(ctx, rest)
	case "serve":
		return a.serve(ctx, rest)
	case "help", "-h", "--help":
		fmt.Fprint(a.out, usage)
		return nil
	default:
		fmt.Fprint(a.out, usage)
		return dErrors.Newf(dErrors.CodeBadRequest, "unknown command %q", cmd)
	}
}

func (a *app) flags(name string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(a.out)
	return fs
}

func (a *app) login(ctx context.Context, args []string) error {
	fs := a.flags("login")
	email := fs.String("email", "", "institutional email address")
	remember := fs.Bool("remember", false, "remember this device")
	if err := fs.Parse(args); err != nil {
		return errUsage
	}

	flow := a.newFlow()
	defer flow.Close()
	if err := flow.RequestCode(ctx, *email, *remember); err != nil {
		return err
	}
	user, err := a.awaitCode(ctx, flow)
	if err != nil {
		return err
	}
	fmt.Fprintf(a.out, "Signed in as %s <%s>\n", user.DisplayName(), user.Email)
	return nil
}

func (a *app) register(ctx context.Context, args []string) error {
	fs := a.flags("register")
	var reg models.Registration
	fs.StringVar(&reg.Email, "email", "", "institutional email address")
	fs.StringVar(&reg.FirstName, "first", "", "first name")
	fs.StringVar(&reg.LastName, "last", "", "last name")
	fs.StringVar(&reg.WNumber, "wnumber", "", "student W-number, e.g. W1234567")
	fs.StringVar(&reg.PreferredName, "preferred", "", "preferred name")
	fs.StringVar(&reg.Academic.Major, "major", "", "declared major")
	fs.StringVar(&reg.Academic.ClassStanding, "standing", "", "class standing")
	acceptTerms := fs.Bool("accept-terms", false, "accept the terms of service and code of conduct")
	if err := fs.Parse(args); err != nil {
		return errUsage
	}
	reg.Agreements.TermsOfService = *acceptTerms
	reg.Agreements.CodeOfConduct = *acceptTerms

	flow := a.newFlow()
	defer flow.Close()
	if err := flow.StartRegistration(ctx, reg); err != nil {
		return err
	}
	user, err := a.awaitCode(ctx, flow)
	if err != nil {
		return err
	}
	fmt.Fprintf(a.out, "Welcome, %s. Your account is ready.\n", user.DisplayName())
	return nil
}

// awaitCode prompts until a code is accepted. Rejections the student can
// fix by typing again are printed; anything else ends the attempt.
func (a *app) awaitCode(ctx context.Context, flow *otp.Controller) (models.User, error) {
	for {
		snap := flow.Snapshot()
		line, err := a.readLine(ctx, fmt.Sprintf("Enter the code sent to %s (or \"resend\"): ", snap.Email))
		if err != nil {
			return models.User{}, err
		}
		switch strings.ToLower(line) {
		case "":
			continue
		case "resend":
			if err := flow.ResendCode(ctx); err != nil {
				if !retryable(err) {
					return models.User{}, err
				}
				fmt.Fprintln(a.out, dErrors.Message(err))
				continue
			}
			fmt.Fprintln(a.out, "A new code is on its way.")
			continue
		}

		user, err := flow.VerifyCode(ctx, line)
		if err == nil {
			return user, nil
		}
		if !retryable(err) {
			return models.User{}, err
		}
		fmt.Fprintln(a.out, dErrors.Message(err))
	}
}

func retryable(err error) bool {
	switch dErrors.CodeOf(err) {
	case dErrors.CodeValidation, dErrors.CodeRejected, dErrors.CodeUnauthorized, dErrors.CodeRateLimited:
		return true
	}
	return false
}

// restore loads the persisted session and requires it to be usable.
func (a *app) restore(ctx context.Context) (models.User, error) {
	if err := a.manager.Initialize(ctx); err != nil {
		return models.User{}, err
	}
	user, ok := a.manager.State().User()
	if !ok {
		return models.User{}, dErrors.New(dErrors.CodeUnauthorized, "Not signed in. Run: advisor login --email you@"+a.cfg.OTP.EmailDomain)
	}
	return user, nil
}

func (a *app) whoami(ctx context.Context) error {
	user, err := a.restore(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(a.out, "%s %s <%s>", user.FirstName, user.LastName, user.Email)
	if user.WNumber != "" {
		fmt.Fprintf(a.out, " %s", user.WNumber)
	}
	fmt.Fprintln(a.out)
	return nil
}

func (a *app) logout(ctx context.Context) error {
	if err := a.manager.Initialize(ctx); err != nil {
		a.log.Debug("session restore before logout failed", "error", err)
	}
	if err := a.manager.Logout(ctx); err != nil {
		return err
	}
	fmt.Fprintln(a.out, "Signed out.")
	return nil
}

func (a *app) transcript(ctx context.Context, args []string) error {
	fs := a.flags("transcript")
	save := fs.Bool("save", false, "save the extracted courses to your course history")
	if err := fs.Parse(args); err != nil || fs.NArg() != 1 {
		fmt.Fprint(a.out, usage)
		return errUsage
	}
	if _, err := a.restore(ctx); err != nil {
		return err
	}

	path := fs.Arg(0)
	f, err := os.Open(path)
	if err != nil {
		return dErrors.Wrap(err, dErrors.CodeBadRequest, "could not open "+path)
	}
	defer f.Close()

	fmt.Fprintln(a.out, "Uploading transcript; this can take up to a minute...")
	result, err := a.transcripts.Upload(ctx, filepath.Base(path), f)
	if err != nil {
		return err
	}
	printCourses(a.out, result.Courses)

	if *save && len(result.Courses) > 0 {
		if err := a.transcripts.SaveCourseHistory(ctx, result.Courses); err != nil {
			return err
		}
		fmt.Fprintf(a.out, "Saved %d courses.\n", len(result.Courses))
	}
	return nil
}

func printCourses(out io.Writer, courses []onboarding.Course) {
	if len(courses) == 0 {
		fmt.Fprintln(out, "No courses were found in the transcript.")
		return
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "CODE\tTITLE\tCREDITS\tGRADE\tSEMESTER")
	for _, c := range courses {
		fmt.Fprintf(tw, "%s\t%s\t%g\t%s\t%s\n", c.Code, c.Title, c.Credits, c.Grade, c.Semester)
	}
	_ = tw.Flush()
}

// serve keeps a session loaded and exposes it behind the route gate.
func (a *app) serve(ctx context.Context, args []string) error {
	fs := a.flags("serve")
	addr := fs.String("addr", a.cfg.MetricsAddr, "listen address")
	if err := fs.Parse(args); err != nil {
		return errUsage
	}
	if *addr == "" {
		*addr = "127.0.0.1:9464"
	}

	go func() {
		if err := a.manager.Initialize(ctx); err != nil {
			a.log.Warn("session restore failed", "error", err)
		}
	}()

	handler := httpserver.NewOpsRouter(a.gatherer(), a.healthy, func(r chi.Router) {
		r.With(gate.Require(a.manager, gate.WithLogger(a.log))).Get("/session", a.sessionView)
	})
	return a.serveOps(ctx, *addr, handler)
}

func (a *app) sessionView(w http.ResponseWriter, r *http.Request) {
	user, _ := gate.UserFromContext(r.Context())
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(user); err != nil {
		a.log.Error("failed to write session view", "error", err)
	}
}
