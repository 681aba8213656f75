package utils

import (
	"encoding/json"
	"fmt"

	"github.com/go-playground/validator/v10"

	"github.com/vitwit/x402-facilitator/types"
)

var validate *validator.Validate

func init() {
	validate = validator.New(validator.WithRequiredStructEnabled())

	// Register custom validators
	if err := validate.RegisterValidation("uint256", validateUint256Tag); err != nil {
		panic(err)
	}
}

// ParseVerifyRequest parses and validates a /verify or /settle body.
func ParseVerifyRequest(data []byte) (*types.VerifyRequest, error) {
	var req types.VerifyRequest

	if err := json.Unmarshal(data, &req); err != nil {
		return nil, &types.X402Error{
			Code:    types.ErrInvalidRequest,
			Message: fmt.Sprintf("failed to parse request body: %v", err),
			Err:     err,
		}
	}

	if err := ValidateVerifyRequest(&req); err != nil {
		return nil, err
	}

	return &req, nil
}

// ValidateVerifyRequest checks the struct tags of an already decoded request.
func ValidateVerifyRequest(req *types.VerifyRequest) error {
	if err := validate.Struct(req); err != nil {
		return &types.X402Error{
			Code:    types.ErrInvalidRequest,
			Message: fmt.Sprintf("validation failed: %v", err),
			Err:     err,
		}
	}
	return nil
}

// ParseX402Config parses X402Config from JSON
func ParseX402Config(data []byte) (*types.X402Config, error) {
	var config types.X402Config

	if err := json.Unmarshal(data, &config); err != nil {
		return nil, &types.X402Error{
			Code:    types.ErrConfigError,
			Message: fmt.Sprintf("failed to parse x402 config: %v", err),
			Err:     err,
		}
	}

	if err := ValidateX402Config(&config); err != nil {
		return nil, err
	}

	return &config, nil
}

func ValidateX402Config(config *types.X402Config) error {
	if err := validate.Struct(config); err != nil {
		return &types.X402Error{
			Code:    types.ErrConfigError,
			Message: fmt.Sprintf("validation failed: %v", err),
			Err:     err,
		}
	}
	return nil
}

func validateUint256Tag(fl validator.FieldLevel) bool {
	_, err := ParseUint256(fl.Field().String())
	return err == nil
}
