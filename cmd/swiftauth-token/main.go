// swiftauth-token obtains a token from the swiftauth token endpoint and
// prints the storage URL and token. It exits non-zero when the endpoint
// answers with any status of 400 or above.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/spf13/pflag"
)

type options struct {
	authURL string
	user    string
	key     string
	timeout time.Duration
	export  bool
}

// statusError reports an HTTP failure from the token endpoint.
type statusError struct {
	status int
	text   string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("token endpoint returned %d %s", e.status, e.text)
}

// ExitCode is 1 for client errors and 2 for server errors.
func (e *statusError) ExitCode() int {
	if e.status >= 500 {
		return 2
	}

	return 1
}

type tokenResult struct {
	storageURL string
	token      string
	expires    string
}

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)

		var coder interface{ ExitCode() int }
		if errors.As(err, &coder) {
			os.Exit(coder.ExitCode())
		}

		os.Exit(1)
	}
}

func run(args []string, out io.Writer) error {
	var opts options

	flagSet := pflag.NewFlagSet("swiftauth-token", pflag.ContinueOnError)
	flagSet.StringVarP(&opts.authURL, "auth", "A", "http://127.0.0.1:8080/auth/v1.0", "token endpoint URL")
	flagSet.StringVarP(&opts.user, "user", "U", os.Getenv("ST_USER"), "user as <account>:<user>")
	flagSet.StringVarP(&opts.key, "key", "K", os.Getenv("ST_KEY"), "key for the user")
	flagSet.DurationVar(&opts.timeout, "timeout", 30*time.Second, "request timeout")
	flagSet.BoolVar(&opts.export, "export", false, "print shell export statements")

	if err := flagSet.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}

		return err
	}

	if opts.user == "" || opts.key == "" {
		return fmt.Errorf("--user and --key are required")
	}

	ctx, cancel := context.WithTimeout(context.Background(), opts.timeout)
	defer cancel()

	res, err := getToken(ctx, http.DefaultClient, opts)
	if err != nil {
		return err
	}

	if opts.export {
		fmt.Fprintf(out, "export OS_STORAGE_URL=%s\n", res.storageURL)
		fmt.Fprintf(out, "export OS_AUTH_TOKEN=%s\n", res.token)

		return nil
	}

	fmt.Fprintf(out, "StorageURL: %s\n", res.storageURL)
	fmt.Fprintf(out, "Auth Token: %s\n", res.token)

	if res.expires != "" {
		fmt.Fprintf(out, "Expires In: %ss\n", res.expires)
	}

	return nil
}

// getToken performs the v1.0 token request. Redirects are not followed:
// a 303 means the endpoint wants an external login, which this tool
// cannot perform.
func getToken(ctx context.Context, client *http.Client, opts options) (*tokenResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, opts.authURL, nil)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}

	req.Header.Set("X-Auth-User", url.PathEscape(opts.user))
	req.Header.Set("X-Auth-Key", url.PathEscape(opts.key))

	c := *client
	c.CheckRedirect = func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}

	resp, err := c.Do(req)
	if err != nil {
		return nil, fmt.Errorf("requesting token: %w", err)
	}
	defer resp.Body.Close()

	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode == http.StatusSeeOther {
		return nil, fmt.Errorf("endpoint requires external login at %s", resp.Header.Get("Location"))
	}

	if resp.StatusCode >= http.StatusBadRequest {
		return nil, &statusError{status: resp.StatusCode, text: http.StatusText(resp.StatusCode)}
	}

	res := &tokenResult{
		storageURL: resp.Header.Get("X-Storage-Url"),
		token:      resp.Header.Get("X-Auth-Token"),
		expires:    resp.Header.Get("X-Auth-Token-Expires"),
	}

	if res.token == "" {
		return nil, fmt.Errorf("response carried no X-Auth-Token")
	}

	return res, nil
}
