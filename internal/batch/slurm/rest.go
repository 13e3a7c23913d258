package slurm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"k8s.io/utils/clock"

	"github.com/G-Research/pira/internal/common/piraerrors"
)

// JobAPI submits and waits on single jobs through a programmatic scheduler interface.
type JobAPI interface {
	// SubmitJob submits the job described by an argument map as produced by Generator.ProgrammaticArgs.
	SubmitJob(ctx context.Context, args map[string]interface{}) (int, error)
	// WaitJob blocks until the job reached a terminal state.
	WaitJob(ctx context.Context, jobID int) error
}

const DefaultRESTAPIVersion = "v0.0.38"

type RESTConfig struct {
	// Base URL of slurmrestd, e.g. http://localhost:6820
	URL        string
	APIVersion string
	User       string
	Token      string
	Shell      string
	// Interval between job state queries. Defaults to DefaultPollInterval.
	PollInterval time.Duration
}

// RESTClient talks to slurmrestd.
type RESTClient struct {
	config RESTConfig
	client *http.Client
	clock  clock.Clock
}

func NewRESTClient(config RESTConfig, client *http.Client, clk clock.Clock) *RESTClient {
	if config.APIVersion == "" {
		config.APIVersion = DefaultRESTAPIVersion
	}
	if config.Shell == "" {
		config.Shell = "/bin/bash"
	}
	if config.PollInterval <= 0 {
		config.PollInterval = DefaultPollInterval
	}
	if client == nil {
		client = http.DefaultClient
	}
	return &RESTClient{config: config, client: client, clock: clk}
}

// Names slurmrestd uses for arguments that differ from their sbatch spelling.
var restFieldNames = map[string]string{
	"job_name":    "name",
	"array_inx":   "array",
	"mem_per_cpu": "memory_per_cpu",
	"ntasks":      "tasks",
	"output":      "standard_output",
	"error":       "standard_error",
}

type restError struct {
	Error string `json:"error"`
	Errno int    `json:"errno"`
}

type submitResponse struct {
	JobID  int         `json:"job_id"`
	Errors []restError `json:"errors"`
}

type jobsResponse struct {
	Jobs []struct {
		JobID    int    `json:"job_id"`
		JobState string `json:"job_state"`
	} `json:"jobs"`
	Errors []restError `json:"errors"`
}

var terminalStates = map[string]bool{
	"COMPLETED":     true,
	"FAILED":        true,
	"CANCELLED":     true,
	"TIMEOUT":       true,
	"NODE_FAIL":     true,
	"OUT_OF_MEMORY": true,
	"PREEMPTED":     true,
	"BOOT_FAIL":     true,
	"DEADLINE":      true,
}

func (c *RESTClient) SubmitJob(ctx context.Context, args map[string]interface{}) (int, error) {
	job := map[string]interface{}{}
	for k, v := range args {
		if k == "wrap" {
			continue
		}
		if name, ok := restFieldNames[k]; ok {
			k = name
		}
		job[k] = v
	}
	if _, ok := job["current_working_directory"]; !ok {
		if cwd, err := os.Getwd(); err == nil {
			job["current_working_directory"] = cwd
		}
	}
	if _, ok := job["environment"]; !ok {
		job["environment"] = map[string]string{"PATH": os.Getenv("PATH"), "HOME": os.Getenv("HOME")}
	}
	wrap, _ := args["wrap"].(string)
	body := map[string]interface{}{
		"script": "#!" + c.config.Shell + "\n" + wrap + "\n",
		"job":    job,
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return 0, errors.WithStack(err)
	}

	url := c.endpoint("job/submit")
	var resp submitResponse
	if err := c.do(ctx, http.MethodPost, url, payload, &resp); err != nil {
		return 0, errors.WithStack(&piraerrors.ErrSubmission{Command: "POST " + url, Message: err.Error()})
	}
	if len(resp.Errors) > 0 {
		return 0, errors.WithStack(&piraerrors.ErrSubmission{Command: "POST " + url, Output: joinErrors(resp.Errors), Message: "rejected by slurmrestd"})
	}
	if resp.JobID == 0 {
		return 0, errors.WithStack(&piraerrors.ErrSubmission{Command: "POST " + url, Message: "no job id in response"})
	}
	log.WithField("jobId", resp.JobID).Info("Submitted job via slurmrestd")
	return resp.JobID, nil
}

// WaitJob queries the job state at the poll interval. Query failures are logged and retried.
func (c *RESTClient) WaitJob(ctx context.Context, jobID int) error {
	url := c.endpoint(fmt.Sprintf("job/%d", jobID))
	for {
		var resp jobsResponse
		err := c.do(ctx, http.MethodGet, url, nil, &resp)
		switch {
		case err != nil:
			log.WithField("jobId", jobID).Warnf("Job state query failed: %v", err)
		case len(resp.Jobs) == 0:
			log.WithField("jobId", jobID).Warnf("Job not known to slurmrestd: %s", joinErrors(resp.Errors))
		case terminalStates[resp.Jobs[0].JobState]:
			state := resp.Jobs[0].JobState
			if state != "COMPLETED" {
				log.WithField("jobId", jobID).Warnf("Job ended in state %s", state)
			}
			return nil
		default:
			log.WithField("jobId", jobID).Debugf("Job is %s", resp.Jobs[0].JobState)
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		c.clock.Sleep(c.config.PollInterval)
	}
}

func (c *RESTClient) endpoint(path string) string {
	return strings.TrimRight(c.config.URL, "/") + "/slurm/" + c.config.APIVersion + "/" + path
}

func (c *RESTClient) do(ctx context.Context, method, url string, payload []byte, target interface{}) error {
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return errors.WithStack(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-SLURM-USER-NAME", c.config.User)
	req.Header.Set("X-SLURM-USER-TOKEN", c.config.Token)

	resp, err := c.client.Do(req)
	if err != nil {
		return errors.WithStack(err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return errors.WithStack(err)
	}
	if err := json.Unmarshal(data, target); err != nil {
		return errors.Wrapf(err, "unexpected response %d from %s: %q", resp.StatusCode, url, string(data))
	}
	if resp.StatusCode >= 300 {
		log.Debugf("%s %s returned status %d", method, url, resp.StatusCode)
	}
	return nil
}

func joinErrors(errs []restError) string {
	msgs := make([]string, len(errs))
	for i, e := range errs {
		msgs[i] = e.Error
	}
	return strings.Join(msgs, "; ")
}
