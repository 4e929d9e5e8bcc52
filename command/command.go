package command

import (
	"fmt"
	"strconv"
	"strings"
)

// Keys for setting various parameters within the command line via "key=value" arguments.
const (
	KeyConfig   = "config"
	KeyLabels   = "labels"
	KeyValues   = "values"
	KeyNames    = "names"
	KeyOutput   = "output"
	KeyRangeMin = "min"
	KeyRangeMax = "max"
)

var setKeys = map[string]bool{
	KeyConfig:   true,
	KeyLabels:   true,
	KeyValues:   true,
	KeyNames:    true,
	KeyOutput:   true,
	KeyRangeMin: true,
	KeyRangeMax: true,
}

// Command supports command-based interaction with voxflow.
type Command struct {
	// Args lists the elements of the command where Args[0] is the command string
	// and the other arguments are command arguments or optional settings of
	// the form "<key>=<value>"
	Args []string
}

func (cmd *Command) String() string {
	return strings.Join(cmd.Args, " ")
}

// Name returns the first argument which is assumed to be the name of the command.
func (cmd *Command) Name() string {
	if len(cmd.Args) == 0 {
		return ""
	}
	return cmd.Args[0]
}

// setting splits a "<key>=<value>" argument with a known key.
func setting(arg string) (key, value string, ok bool) {
	key, value, ok = strings.Cut(arg, "=")
	if !ok || !setKeys[key] {
		return "", "", false
	}
	return key, value, true
}

// GetSetting scans a command for any "key=value" argument and returns
// the value of the passed 'key'.
func (cmd *Command) GetSetting(key string) (value string, found bool) {
	if len(cmd.Args) > 1 {
		for _, arg := range cmd.Args[1:] {
			if k, v, ok := setting(arg); ok && k == key {
				return v, true
			}
		}
	}
	return
}

// GetList returns a comma-separated setting as a list, skipping empty elements.
func (cmd *Command) GetList(key string) []string {
	value, found := cmd.GetSetting(key)
	if !found {
		return nil
	}
	var list []string
	for _, elem := range strings.Split(value, ",") {
		if elem = strings.TrimSpace(elem); elem != "" {
			list = append(list, elem)
		}
	}
	return list
}

// GetFloat returns a numeric setting.
func (cmd *Command) GetFloat(key string) (f float64, found bool, err error) {
	value, found := cmd.GetSetting(key)
	if !found {
		return 0, false, nil
	}
	f, err = strconv.ParseFloat(value, 64)
	if err != nil {
		return 0, true, fmt.Errorf("setting %s=%q is not a number", key, value)
	}
	return f, true, nil
}

// SetCommandArgs sets a variadic argument set of string pointers to
// command arguments, ignoring setting arguments of the form "<key>=<value>".
// If there aren't enough arguments to set a target, the target is set to the
// empty string.  It returns an 'overflow' slice that has all arguments
// beyond those needed for targets.
func (cmd *Command) SetCommandArgs(targets ...*string) (overflow []string) {
	for _, target := range targets {
		*target = ""
	}
	if len(cmd.Args) <= 1 {
		return nil
	}
	var curTarget int
	for _, arg := range cmd.Args[1:] {
		if _, _, ok := setting(arg); ok {
			continue
		}
		if curTarget < len(targets) {
			*(targets[curTarget]) = arg
		} else {
			overflow = append(overflow, arg)
		}
		curTarget++
	}
	return overflow
}
