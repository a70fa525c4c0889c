/*
 * Copyright 2025 SREDiag Authors
 * Copyright 2023 CloudWeGo Authors
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package logging

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/suite"
)

type LoggingTestSuite struct {
	suite.Suite
	saved int
}

func (s *LoggingTestSuite) SetupTest() {
	s.saved = Level()
}

func (s *LoggingTestSuite) TearDownTest() {
	SetLevel(s.saved)
}

func (s *LoggingTestSuite) TestLogColor() {
	var out bytes.Buffer
	l := New("hal", &out)
	SetLevel(LevelTrace)

	l.Tracef("this is tracef %s", "hello world")
	l.Infof("this is infof %s", "hello world")
	l.Info("this is info")
	l.Debugf("this is debugf %s", "hello world")
	l.Warnf("this is warnf %s", "hello world")
	l.Errorf("this is errorf %s", "hello world")
	l.Error("this is error")

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	s.Require().Len(lines, 7)
	s.Require().Contains(lines[0], "Trace")
	s.Require().Contains(lines[0], "logging_test.go:")
	s.Require().Contains(lines[0], "hal")
	s.Require().Contains(lines[6], "Error")
	s.Require().Contains(lines[6], "this is error")
}

func (s *LoggingTestSuite) TestLevelFilter() {
	var out bytes.Buffer
	l := New("hal", &out)
	SetLevel(LevelWarn)

	l.Debugf("hidden")
	l.Infof("hidden")
	s.Require().Equal(0, out.Len())

	l.Warnf("shown")
	s.Require().Contains(out.String(), "shown")

	SetLevel(LevelNoPrint)
	out.Reset()
	l.Errorf("hidden")
	s.Require().Equal(0, out.Len())
}

func (s *LoggingTestSuite) TestParseLevel() {
	lv, err := ParseLevel("debug")
	s.Require().Nil(err)
	s.Require().Equal(LevelDebug, lv)

	_, err = ParseLevel("loud")
	s.Require().NotNil(err)

	SetLevel(100)
	s.Require().Equal(s.saved, Level())
}

func TestLoggingTestSuite(t *testing.T) {
	suite.Run(t, new(LoggingTestSuite))
}
