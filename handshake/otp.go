package handshake

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/opd-ai/pairlink/protocol"
)

const otpDigits = 6

var otpSpace = big.NewInt(1_000_000)

// GenerateOTP returns a uniformly random 6-digit decimal passcode. Leading
// zeros are legal; comparison is on the string form.
func GenerateOTP() (string, error) {
	n, err := rand.Int(rand.Reader, otpSpace)
	if err != nil {
		return "", fmt.Errorf("failed to generate passcode: %w", err)
	}
	return fmt.Sprintf("%0*d", otpDigits, n), nil
}

// otpEqual compares passcodes in constant time.
func otpEqual(a, b string) bool {
	return len(a) == len(b) && subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

type submission struct {
	code    string
	verdict chan error
}

// OTPPrompt is the host's handle for one passcode entry exchange. The
// handshake hands it to the OTPRequired callback; the host calls Submit
// with what the user typed, up to MaxOTPAttempts times, or Cancel to abort
// pairing.
type OTPPrompt struct {
	deadline time.Time

	submissions chan submission
	cancel      chan struct{}
	done        chan struct{}

	cancelOnce sync.Once
	closeOnce  sync.Once
}

func newOTPPrompt(deadline time.Time) *OTPPrompt {
	return &OTPPrompt{
		deadline:    deadline,
		submissions: make(chan submission),
		cancel:      make(chan struct{}),
		done:        make(chan struct{}),
	}
}

// Deadline is the instant the passcode stops being accepted.
func (p *OTPPrompt) Deadline() time.Time {
	return p.deadline
}

// Submit offers one passcode attempt and blocks for the verdict: nil on
// success, OTP_INCORRECT when attempts remain, OTP_MAX_ATTEMPTS_REACHED on
// the attempt that spent the budget. Submitting after the handshake ended
// reports the entry timeout.
func (p *OTPPrompt) Submit(ctx context.Context, code string) error {
	sub := submission{code: code, verdict: make(chan error, 1)}

	select {
	case p.submissions <- sub:
	case <-p.done:
		return protocol.ErrOTPEntryTimeout
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-sub.verdict:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Cancel aborts the pairing. The initiator's Connect resolves with
// REQUEST_EXPIRED.
func (p *OTPPrompt) Cancel() {
	p.cancelOnce.Do(func() { close(p.cancel) })
}

// close marks the prompt dead so late Submit calls fail fast.
func (p *OTPPrompt) close() {
	p.closeOnce.Do(func() { close(p.done) })
}

// collect runs the prompt's server side: it accepts submissions until the
// correct passcode arrives, the budget is spent, the deadline passes, or
// the host cancels.
func (p *OTPPrompt) collect(ctx context.Context, clock interface{ Now() time.Time }, want string) error {
	defer p.close()

	timer := time.NewTimer(p.deadline.Sub(clock.Now()))
	defer timer.Stop()

	attempts := 0
	for {
		select {
		case sub := <-p.submissions:
			if otpEqual(sub.code, want) {
				sub.verdict <- nil
				return nil
			}
			attempts++
			if attempts >= MaxOTPAttempts {
				sub.verdict <- protocol.ErrOTPMaxAttempts
				return fmt.Errorf("passcode attempts exhausted: %w", protocol.ErrOTPMaxAttempts)
			}
			sub.verdict <- fmt.Errorf("attempt %d of %d: %w", attempts, MaxOTPAttempts, protocol.ErrOTPIncorrect)

		case <-p.cancel:
			return fmt.Errorf("pairing cancelled by host: %w", protocol.ErrRequestExpired)

		case <-timer.C:
			return fmt.Errorf("passcode entry deadline passed: %w", protocol.ErrOTPEntryTimeout)

		case <-ctx.Done():
			return fmt.Errorf("handshake cancelled: %w: %w", protocol.ErrRequestExpired, ctx.Err())
		}
	}
}
