package storyboard

import "google.golang.org/genai"

// sceneSchema はシーン分解・リファイン応答の共通スキーマです。
var sceneSchema = &genai.Schema{
	Type: genai.TypeObject,
	Properties: map[string]*genai.Schema{
		"scenes": {
			Type: genai.TypeArray,
			Items: &genai.Schema{
				Type: genai.TypeObject,
				Properties: map[string]*genai.Schema{
					"scene_id":               {Type: genai.TypeInteger},
					"location":               {Type: genai.TypeString},
					"pre_action_description": {Type: genai.TypeString},
					"panels": {
						Type: genai.TypeArray,
						Items: &genai.Schema{
							Type: genai.TypeObject,
							Properties: map[string]*genai.Schema{
								"panel_index":  {Type: genai.TypeInteger},
								"visual_start": {Type: genai.TypeString},
								"visual_end":   {Type: genai.TypeString},
								"motion_prompt": {
									Type: genai.TypeString,
								},
								"is_reversed": {
									Type:        genai.TypeBoolean,
									Description: "True if this panel's action must be revealed in reverse chronological order (e.g. fog clears to reveal a character). When true, visual_start describes the OBSCURED/FINAL state seen first by the viewer, and visual_end describes the REVEALED/ORIGIN state seen last.",
								},
								"motion_prompt_reversed": {
									Type:        genai.TypeString,
									Description: "Populated ONLY when is_reversed is true. Describes the reversed playback motion: how the scene should visually transition from visual_start (obscured) to visual_end (revealed) as perceived by the viewer. Empty string when is_reversed is false.",
								},
								"lights_and_camera": {Type: genai.TypeString},
								"dialogue":          {Type: genai.TypeString},
								"caption":           {Type: genai.TypeString},
								"duration":          {Type: genai.TypeInteger},
								"references":        {Type: genai.TypeArray, Items: &genai.Schema{Type: genai.TypeString}},
							},
							Required: []string{
								"panel_index", "visual_start", "visual_end", "motion_prompt",
								"is_reversed", "motion_prompt_reversed", "lights_and_camera",
								"dialogue", "caption", "duration", "references",
							},
						},
					},
				},
				Required: []string{"scene_id", "location", "panels"},
			},
		},
	},
	Required: []string{"scenes"},
}

// reversalSchema は逆再生サブパス応答のスキーマなのだ。
var reversalSchema = &genai.Schema{
	Type: genai.TypeArray,
	Items: &genai.Schema{
		Type: genai.TypeObject,
		Properties: map[string]*genai.Schema{
			"panel_index":            {Type: genai.TypeInteger},
			"motion_prompt_reversed": {Type: genai.TypeString},
		},
		Required: []string{"panel_index", "motion_prompt_reversed"},
	},
}
