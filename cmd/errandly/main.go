package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/alecthomas/kingpin/v2"

	"github.com/errandly/errandly/internal/identity"
	"github.com/errandly/errandly/pkg/geo"
)

var (
	app    = kingpin.New("errandly", "Operator CLI for the errandly task marketplace")
	server = app.Flag("server", "Server base URL").Default("http://localhost:3200").Envar("ERRANDLY_SERVER").String()
	token  = app.Flag("token", "Bearer token").Envar("ERRANDLY_TOKEN").String()

	// Token commands
	tokenCmd    = app.Command("token", "Mint a signed bearer token for development")
	tokenSecret = tokenCmd.Flag("secret", "JWT signing secret").Envar("ERRANDLY_JWT_SECRET").Required().String()
	tokenUID    = tokenCmd.Arg("uid", "User ID (token subject)").Required().String()
	tokenEmail  = tokenCmd.Flag("email", "Email claim").String()
	tokenName   = tokenCmd.Flag("name", "Display name claim").String()
	tokenTTL    = tokenCmd.Flag("ttl", "Token lifetime").Default("24h").Duration()

	// Profile commands
	profileCmd = app.Command("profile", "Profile management commands")

	profileRegisterCmd = profileCmd.Command("register", "Create your profile (idempotent)")
	profileShowCmd     = profileCmd.Command("show", "Show your profile")

	profileUpdateCmd       = profileCmd.Command("update", "Update your profile")
	profileUpdateAccepting = profileUpdateCmd.Flag("accepting", "Whether you accept nearby tasks (true or false)").Enum("true", "false")
	profileUpdateRole      = profileUpdateCmd.Flag("role", "User role (helper or requester)").String()
	profileUpdatePushToken = profileUpdateCmd.Flag("push-token", "Push subscription token").String()
	profileUpdateLat       = profileUpdateCmd.Flag("lat", "Latitude").Float64()
	profileUpdateLng       = profileUpdateCmd.Flag("lng", "Longitude").Float64()

	// Task commands
	taskCmd = app.Command("task", "Task management commands")

	taskCreateCmd     = taskCmd.Command("create", "Create a new task")
	taskCreateTitle   = taskCreateCmd.Arg("title", "Task title").Required().String()
	taskCreateDetails = taskCreateCmd.Flag("details", "Task details").String()
	taskCreateLat     = taskCreateCmd.Flag("lat", "Latitude").Required().Float64()
	taskCreateLng     = taskCreateCmd.Flag("lng", "Longitude").Required().Float64()

	taskShowCmd = taskCmd.Command("show", "Show task details")
	taskShowID  = taskShowCmd.Arg("id", "Task ID").Required().String()

	taskListCmd    = taskCmd.Command("list", "List tasks")
	taskListStatus = taskListCmd.Flag("status", "Filter by status").String()
	taskListMine   = taskListCmd.Flag("mine", "Only tasks you requested").Bool()

	taskNearbyCmd    = taskCmd.Command("nearby", "List pending tasks near a point")
	taskNearbyLat    = taskNearbyCmd.Flag("lat", "Latitude").Required().Float64()
	taskNearbyLng    = taskNearbyCmd.Flag("lng", "Longitude").Required().Float64()
	taskNearbyRadius = taskNearbyCmd.Flag("radius-km", "Search radius in km").Float64()

	taskAcceptCmd = taskCmd.Command("accept", "Accept a pending task")
	taskAcceptID  = taskAcceptCmd.Arg("id", "Task ID").Required().String()

	taskCompleteCmd = taskCmd.Command("complete", "Mark your task complete")
	taskCompleteID  = taskCompleteCmd.Arg("id", "Task ID").Required().String()

	taskCancelCmd = taskCmd.Command("cancel", "Cancel your task")
	taskCancelID  = taskCancelCmd.Arg("id", "Task ID").Required().String()

	taskAbandonCmd = taskCmd.Command("abandon", "Release a task you accepted")
	taskAbandonID  = taskAbandonCmd.Arg("id", "Task ID").Required().String()
)

func main() {
	command := kingpin.MustParse(app.Parse(os.Args[1:]))

	if command == tokenCmd.FullCommand() {
		handleToken()
		return
	}

	c := &client{baseURL: *server, token: *token}
	var err error
	switch command {
	case profileRegisterCmd.FullCommand():
		err = c.do(http.MethodPost, "/api/profile", nil)
	case profileShowCmd.FullCommand():
		err = c.do(http.MethodGet, "/api/profile", nil)
	case profileUpdateCmd.FullCommand():
		err = c.do(http.MethodPatch, "/api/profile", profileUpdateBody())
	case taskCreateCmd.FullCommand():
		err = c.do(http.MethodPost, "/api/tasks", map[string]any{
			"title":    *taskCreateTitle,
			"details":  *taskCreateDetails,
			"location": geo.Point{Lat: *taskCreateLat, Lng: *taskCreateLng},
		})
	case taskShowCmd.FullCommand():
		err = c.do(http.MethodGet, "/api/tasks/"+*taskShowID, nil)
	case taskListCmd.FullCommand():
		path := "/api/tasks?status=" + *taskListStatus
		if *taskListMine {
			path += "&requester=me"
		}
		err = c.do(http.MethodGet, path, nil)
	case taskNearbyCmd.FullCommand():
		path := fmt.Sprintf("/api/tasks/nearby?lat=%g&lng=%g", *taskNearbyLat, *taskNearbyLng)
		if *taskNearbyRadius > 0 {
			path += fmt.Sprintf("&radius_km=%g", *taskNearbyRadius)
		}
		err = c.do(http.MethodGet, path, nil)
	case taskAcceptCmd.FullCommand():
		err = c.do(http.MethodPost, "/api/tasks/"+*taskAcceptID+"/accept", nil)
	case taskCompleteCmd.FullCommand():
		err = c.do(http.MethodPost, "/api/tasks/"+*taskCompleteID+"/complete", nil)
	case taskCancelCmd.FullCommand():
		err = c.do(http.MethodPost, "/api/tasks/"+*taskCancelID+"/cancel", nil)
	case taskAbandonCmd.FullCommand():
		err = c.do(http.MethodPost, "/api/tasks/"+*taskAbandonID+"/abandon", nil)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func handleToken() {
	resolver := identity.NewResolver(*tokenSecret)
	t, err := resolver.IssueToken(&identity.Identity{
		UID:         *tokenUID,
		Email:       *tokenEmail,
		DisplayName: *tokenName,
	}, *tokenTTL)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(t)
}

func profileUpdateBody() map[string]any {
	body := map[string]any{}
	if *profileUpdateAccepting != "" {
		body["is_accepting_tasks"] = *profileUpdateAccepting == "true"
	}
	if *profileUpdateRole != "" {
		body["user_role"] = *profileUpdateRole
	}
	if *profileUpdatePushToken != "" {
		body["push_token"] = *profileUpdatePushToken
	}
	if *profileUpdateLat != 0 || *profileUpdateLng != 0 {
		body["location"] = geo.Point{Lat: *profileUpdateLat, Lng: *profileUpdateLng}
	}
	return body
}

type client struct {
	baseURL string
	token   string
}

// do sends one JSON request and pretty-prints the response body.
func (c *client) do(method, path string, body any) error {
	var reqBody io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reqBody = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, c.baseURL+path, reqBody)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	httpClient := &http.Client{Timeout: 30 * time.Second}
	resp, err := httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	var pretty bytes.Buffer
	if json.Indent(&pretty, raw, "", "  ") == nil {
		raw = pretty.Bytes()
	}
	fmt.Println(string(bytes.TrimSpace(raw)))
	if resp.StatusCode >= 400 {
		return fmt.Errorf("server returned %s", resp.Status)
	}
	return nil
}
