// Package models defines types shared across internal packages.
package models

import (
	"strings"

	"golang.org/x/text/cases"
)

// Category is a Health Connect record type. The set is fixed at compile
// time and the string value is the name used in API paths and payloads.
type Category string

// Record categories, in the order the sync engine visits them.
const (
	ActiveCaloriesBurned   Category = "ActiveCaloriesBurned"
	BasalBodyTemperature   Category = "BasalBodyTemperature"
	BloodGlucose           Category = "BloodGlucose"
	BloodPressure          Category = "BloodPressure"
	BasalMetabolicRate     Category = "BasalMetabolicRate"
	BodyFat                Category = "BodyFat"
	BodyTemperature        Category = "BodyTemperature"
	BoneMass               Category = "BoneMass"
	CyclingPedalingCadence Category = "CyclingPedalingCadence"
	CervicalMucus          Category = "CervicalMucus"
	ExerciseSession        Category = "ExerciseSession"
	Distance               Category = "Distance"
	ElevationGained        Category = "ElevationGained"
	FloorsClimbed          Category = "FloorsClimbed"
	HeartRate              Category = "HeartRate"
	Height                 Category = "Height"
	Hydration              Category = "Hydration"
	LeanBodyMass           Category = "LeanBodyMass"
	MenstruationFlow       Category = "MenstruationFlow"
	MenstruationPeriod     Category = "MenstruationPeriod"
	Nutrition              Category = "Nutrition"
	OvulationTest          Category = "OvulationTest"
	OxygenSaturation       Category = "OxygenSaturation"
	Power                  Category = "Power"
	RespiratoryRate        Category = "RespiratoryRate"
	RestingHeartRate       Category = "RestingHeartRate"
	SleepSession           Category = "SleepSession"
	Speed                  Category = "Speed"
	Steps                  Category = "Steps"
	StepsCadence           Category = "StepsCadence"
	TotalCaloriesBurned    Category = "TotalCaloriesBurned"
	Vo2Max                 Category = "Vo2Max"
	Weight                 Category = "Weight"
	WheelchairPushes       Category = "WheelchairPushes"
)

var allCategories = []Category{
	ActiveCaloriesBurned,
	BasalBodyTemperature,
	BloodGlucose,
	BloodPressure,
	BasalMetabolicRate,
	BodyFat,
	BodyTemperature,
	BoneMass,
	CyclingPedalingCadence,
	CervicalMucus,
	ExerciseSession,
	Distance,
	ElevationGained,
	FloorsClimbed,
	HeartRate,
	Height,
	Hydration,
	LeanBodyMass,
	MenstruationFlow,
	MenstruationPeriod,
	Nutrition,
	OvulationTest,
	OxygenSaturation,
	Power,
	RespiratoryRate,
	RestingHeartRate,
	SleepSession,
	Speed,
	Steps,
	StepsCadence,
	TotalCaloriesBurned,
	Vo2Max,
	Weight,
	WheelchairPushes,
}

// DefaultDetailCategories are the categories whose records are expanded
// with a per-record detail read and uploaded one at a time.
var DefaultDetailCategories = []Category{SleepSession, Speed, HeartRate}

var categoryKey = make(map[string]Category, len(allCategories))

func init() {
	for _, c := range allCategories {
		categoryKey[foldName(string(c))] = c
	}
}

func foldName(s string) string {
	s = strings.NewReplacer("_", "", "-", "", " ", "").Replace(strings.TrimSpace(s))
	// A Caser carries state, so a fresh one is built per call.
	return cases.Fold().String(s)
}

// AllCategories returns a copy of the fixed category list.
func AllCategories() []Category {
	out := make([]Category, len(allCategories))
	copy(out, allCategories)

	return out
}

// ParseCategory resolves a category name regardless of case or word
// separators, so "HeartRate", "heartRate" and "HEART_RATE" all match.
func ParseCategory(name string) (Category, bool) {
	c, ok := categoryKey[foldName(name)]
	return c, ok
}

// Valid reports whether c is one of the known categories.
func (c Category) Valid() bool {
	parsed, ok := ParseCategory(string(c))
	return ok && parsed == c
}

func (c Category) String() string { return string(c) }
