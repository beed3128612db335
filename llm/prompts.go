package llm

import "fmt"

func destinationPrompt(theme string, count int, fineTuned bool) string {
	if fineTuned {
		return fmt.Sprintf(`Generate %[2]d unique %[1]s travel destinations around the world.

For each destination, provide comprehensive details including:
- Specific location (Place, Country)
- Detailed description highlighting %[1]s features
- Best time to visit with seasonal considerations
- Accurate GPS coordinates
- Rating out of 5 stars based on %[1]s excellence
- Rich contextual information about why it's ideal for %[1]s

Ensure destinations are:
- Globally diverse and culturally varied
- Specifically chosen for exceptional %[1]s experiences
- Real, accessible locations with verified information
- Ranked by their %[1]s reputation and offerings

Return the response in valid JSON format with the structure:
{
    "destinations": [
        {
            "place": "Location Name",
            "country": "Country Name",
            "description": "Detailed description emphasizing %[1]s aspects",
            "best_time_to_visit": "Optimal seasons/months",
            "coordinates": {"lat": latitude, "lng": longitude},
            "rating": rating_float
        }
    ]
}`, theme, count)
	}
	return fmt.Sprintf(`You are a specialized travel expert. Generate %[2]d unique %[1]s travel destinations around the world.

For each destination, provide:
1. Place name and country in format "Place, Country"
2. Brief description (1-2 sentences)
3. Best time to visit
4. Approximate coordinates (latitude, longitude)
5. Rating out of 5 stars

Return the response in the following JSON format:
{
    "destinations": [
        {
            "place": "Place Name",
            "country": "Country Name",
            "description": "Brief description",
            "best_time_to_visit": "Best time period",
            "coordinates": {"lat": latitude, "lng": longitude},
            "rating": rating_float
        }
    ]
}

Ensure all destinations are real, diverse, and well-suited for %[1]s activities.`, theme, count)
}

func activityPrompt(destination, theme string, fineTuned bool) string {
	if fineTuned {
		return fmt.Sprintf(`For the %[2]s destination "%[1]s", provide comprehensive activity recommendations.

Generate 5-7 specific activities that showcase the best %[2]s experiences available at this location.

For each activity, include:
- Specific activity name and location details
- Rich description explaining the experience
- Activity category (Outdoor/Indoor/Cultural/Adventure/Relaxation/Educational)
- Realistic duration in hours
- Difficulty level (1-5 scale with 1=easy, 5=expert)
- Cost estimate with price range

Focus on:
- Authentic, location-specific %[2]s experiences
- Activities that locals and experts recommend
- Varied difficulty levels and time commitments

Return response in JSON format:
{
    "activities": [
        {
            "name": "Specific Activity Name",
            "description": "Detailed description of the experience",
            "activity_type": "Category",
            "duration_hours": duration_float,
            "difficulty_level": difficulty_int,
            "cost_estimate": "Detailed cost information"
        }
    ]
}

IMPORTANT: Ensure the JSON is valid and complete. Do not truncate the response.`, destination, theme)
	}
	return fmt.Sprintf(`For the %[2]s destination "%[1]s", suggest specific activities.

Provide exactly 5 activities with details:
1. Activity name
2. Brief description
3. Activity type (Outdoor/Indoor/Cultural/Adventure/Relaxation/Educational)
4. Estimated duration in hours
5. Difficulty level (1-5)
6. Approximate cost estimate

Return the response in valid JSON format:
{
    "activities": [
        {
            "name": "Activity Name",
            "description": "Activity description",
            "activity_type": "Activity Type",
            "duration_hours": duration_float,
            "difficulty_level": difficulty_int,
            "cost_estimate": "Cost range"
        }
    ]
}

IMPORTANT: Return only valid JSON. Ensure all quotes are properly escaped and the response is complete.`, destination, theme)
}
