package remote

import (
	"fmt"
	"sort"
	"unicode/utf8"

	pb "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
	"github.com/golang/protobuf/ptypes"
)

// reservedCacheKeyGenEnvVar is the env var name reserved for cache-key-gen injection (§4.1,
// §6). Callers may not supply it themselves.
const reservedCacheKeyGenEnvVar = "PANTS_CACHE_KEY_GEN_VERSION"

// jdkSymlinkProperty is the platform property appended whenever a request declares a JDK home
// (§4.1).
const jdkSymlinkProperty = "JDK_SYMLINK"
const jdkSymlinkValue = ".jdk"

// targetPlatformProperty is always the last platform property emitted (§4.1, invariant 5).
const targetPlatformProperty = "target_platform"

// SelectRequest resolves a MultiPlatformExecuteProcessRequest down to the single concrete
// request that should run, given the runner's own declared platform and the host-detected
// platform of whatever would actually execute it. It tries, in order:
//
//	(None, None), (self.platform, None), (self.platform, hostPlatform)
//
// and returns the first match (§3). An empty runnerPlatform is never matched against a
// non-empty host platform pair on purpose: only the three listed combinations are considered.
func SelectRequest(reqs MultiPlatformExecuteProcessRequest, selfPlatform, hostPlatform string) (*ExecuteProcessRequest, error) {
	candidates := []platformPair{
		{RequestPlatform: "", RunnerPlatform: ""},
		{RequestPlatform: selfPlatform, RunnerPlatform: ""},
		{RequestPlatform: selfPlatform, RunnerPlatform: hostPlatform},
	}
	for _, p := range candidates {
		if req, ok := reqs[p]; ok {
			return req, nil
		}
	}
	return nil, fmt.Errorf("no compatible request found for platform %q (host %q)", selfPlatform, hostPlatform)
}

// MakeExecuteRequest canonicalizes an ExecuteProcessRequest plus metadata into the three
// REAPI messages whose digests form the Merkle chain rooted at the Action (§3, §4.1).
func MakeExecuteRequest(req *ExecuteProcessRequest, meta ExecuteProcessRequestMetadata) (*pb.Action, *pb.Command, *pb.ExecuteRequest, error) {
	env, err := canonicalizeEnv(req.Env, meta.CacheKeyGenVersion)
	if err != nil {
		return nil, nil, nil, err
	}
	outputFiles, err := canonicalizePaths(req.OutputFiles)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("invalid output file path: %w", err)
	}
	outputDirs, err := canonicalizePaths(req.OutputDirs)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("invalid output directory path: %w", err)
	}
	platform := canonicalizePlatform(meta.PlatformProperties, req.JDKHome, req.Platform)

	command := &pb.Command{
		Arguments:            append([]string{}, req.Argv...),
		EnvironmentVariables: env,
		OutputFiles:          outputFiles,
		OutputDirectories:    outputDirs,
		OutputPaths:          append(append([]string{}, outputFiles...), outputDirs...),
		Platform:             platform,
	}
	commandDigest, _ := digestMessageContents(command)

	action := &pb.Action{
		CommandDigest:   commandDigest,
		InputRootDigest: req.InputRoot,
		Timeout:         ptypes.DurationProto(req.Timeout),
		// A cache-key-gen version exists precisely to invalidate the server-side action cache
		// without changing the logical command; mark the action uncacheable upstream so the
		// synthetic env var isn't relied on alone to bust stale cache entries (ported from the
		// original Rust make_execute_request).
		DoNotCache: meta.CacheKeyGenVersion != "",
	}
	actionDigest, _ := digestMessageContents(action)

	executeRequest := &pb.ExecuteRequest{
		ActionDigest: actionDigest,
	}
	if meta.InstanceName != "" {
		executeRequest.InstanceName = meta.InstanceName
	}
	return action, command, executeRequest, nil
}

// canonicalizeEnv sorts the caller's environment lexicographically by name, rejects the
// reserved cache-key-gen name if the caller supplied it, and appends the synthetic entry if a
// cache-key-gen version was provided (§4.1, invariant 2).
func canonicalizeEnv(env map[string]string, cacheKeyGenVersion string) ([]*pb.Command_EnvironmentVariable, error) {
	if _, ok := env[reservedCacheKeyGenEnvVar]; ok {
		return nil, fmt.Errorf("%s is a reserved environment variable name and may not be set by the caller", reservedCacheKeyGenEnvVar)
	}
	names := make([]string, 0, len(env))
	for k := range env {
		names = append(names, k)
	}
	sort.Strings(names)
	out := make([]*pb.Command_EnvironmentVariable, 0, len(names)+1)
	for _, name := range names {
		out = append(out, &pb.Command_EnvironmentVariable{Name: name, Value: env[name]})
	}
	if cacheKeyGenVersion != "" {
		out = append(out, &pb.Command_EnvironmentVariable{Name: reservedCacheKeyGenEnvVar, Value: cacheKeyGenVersion})
	}
	return out, nil
}

// canonicalizePaths validates UTF-8 and sorts a set of output paths lexicographically
// (§4.1, invariant 4).
func canonicalizePaths(paths []string) ([]string, error) {
	out := make([]string, len(paths))
	copy(out, paths)
	for _, p := range out {
		if !utf8.ValidString(p) {
			return nil, fmt.Errorf("path %q is not valid UTF-8", p)
		}
	}
	sort.Strings(out)
	return out, nil
}

// canonicalizePlatform builds the platform property list in metadata order, appending
// JDK_SYMLINK when a JDK home is requested and always finishing with target_platform
// (§4.1, invariants 3 and 5).
func canonicalizePlatform(props []PlatformProperty, jdkHome, targetPlatform string) *pb.Platform {
	out := make([]*pb.Platform_Property, 0, len(props)+2)
	for _, p := range props {
		out = append(out, &pb.Platform_Property{Name: p.Name, Value: p.Value})
	}
	if jdkHome != "" {
		out = append(out, &pb.Platform_Property{Name: jdkSymlinkProperty, Value: jdkSymlinkValue})
	}
	out = append(out, &pb.Platform_Property{Name: targetPlatformProperty, Value: targetPlatform})
	return &pb.Platform{Properties: out}
}
